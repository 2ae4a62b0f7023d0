package provider

import "context"

// Payload is the wire body for a generation submission.
type Payload struct {
	Task           string `json:"task"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Duration       int    `json:"duration"`
	Resolution     string `json:"resolution"`
	AspectRatio    string `json:"aspect_ratio"`
	Seed           *int64 `json:"seed,omitempty"`
	Watermark      *bool  `json:"watermark,omitempty"`
	ExploreMode    *bool  `json:"explore_mode,omitempty"`
}

// Generation is the provider's view of a job, shared by submit, status, and
// cancel responses.
type Generation struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	Progress      *int             `json:"progress,omitempty"`
	EstimatedTime *int             `json:"estimated_time,omitempty"` // seconds
	CreatedAt     string           `json:"created_at,omitempty"`
	Output        []string         `json:"output,omitempty"`
	Error         *GenerationError `json:"error,omitempty"`
}

// GenerationError is the provider's in-body error detail.
type GenerationError struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Client abstracts the video-generation provider. The concrete
// implementation (real HTTP client or mock) is selected at startup via
// configuration.
type Client interface {
	Submit(ctx context.Context, payload Payload) (*Generation, error)
	GetStatus(ctx context.Context, id string) (*Generation, error)
	Cancel(ctx context.Context, id string) (*Generation, error)
}
