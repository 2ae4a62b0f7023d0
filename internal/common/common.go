package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey     = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderRetryAfter = "Retry-After"
	ContentTypeJSON  = "application/json"
	OwnerCookieName  = "owner_id"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathVideos    = "/v1/videos"
	PathAnalytics = "/v1/analytics"
	PathKeys      = "/v1/keys"
	PathResume    = "/v1/jobs/resume"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 2
	SQLiteBusyTimeoutMS  = 5000
)

// Job scheduling defaults
const (
	DefaultPollBatchSize = 8
	DefaultFirstPollMS   = 1500
	DefaultJobTimeoutMin = 12
	DefaultRetentionMin  = 60
)

// Video defaults
const (
	DefaultDurationSeconds = 8
	MinDurationSeconds     = 5
	MaxDurationSeconds     = 180
	DefaultTotalEstimateS  = 150
	MaxVariations          = 6
)

// Aspect ratios accepted by the provider payload builder.
const (
	RatioLandscape = "16:9"
	RatioPortrait  = "9:16"
	RatioSquare    = "1:1"
)
