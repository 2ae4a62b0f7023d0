package jobs

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound indicates the requested job is not tracked by the store.
var ErrNotFound = errors.New("jobs: not found")

// Status is the provider-facing lifecycle state of a generation job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StatusFromProvider normalizes the provider's free-form status string.
func StatusFromProvider(s string) Status {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "QUEUE"):
		return StatusPending
	case strings.Contains(u, "RUN"):
		return StatusRunning
	case strings.Contains(u, "SUCC"):
		return StatusSucceeded
	case strings.Contains(u, "CANCEL"):
		return StatusCancelled
	case strings.Contains(u, "FAIL"), strings.Contains(u, "ERROR"):
		return StatusFailed
	default:
		return StatusRunning
	}
}

// Request is the originating generation request, kept verbatim so a failed
// job can be resubmitted with identical parameters.
type Request struct {
	TaskType       string `json:"task_type"`
	PromptText     string `json:"prompt_text"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Duration       int    `json:"duration,omitempty"` // seconds
	Ratio          string `json:"ratio,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
	Watermark      bool   `json:"watermark,omitempty"`
	ExploreMode    bool   `json:"explore_mode,omitempty"`
}

// Job is the provider-visible slice of a tracked job.
type Job struct {
	ID          string        `json:"id"`
	Status      Status        `json:"status"`
	Progress    int           `json:"progress"` // 0-100
	CreatedAt   time.Time     `json:"created_at"`
	Task        string        `json:"task"`
	Ratio       string        `json:"ratio,omitempty"`
	Duration    int           `json:"duration,omitempty"` // requested seconds
	Output      []string      `json:"output,omitempty"`   // URLs on success
	Failure     string        `json:"failure,omitempty"`
	FailureCode string        `json:"failure_code,omitempty"`
	ETA         time.Duration `json:"eta,omitempty"`
}

// Backoff tracks poll retry state for one job.
type Backoff struct {
	Attempts  int           `json:"attempts"`
	NextDelay time.Duration `json:"next_delay"`
}

// Record is the authoritative job entry tracked end-to-end: provider state,
// originating request, owner, and scheduling metadata.
type Record struct {
	Job     Job
	Req     Request
	OwnerID string

	LastPolledAt time.Time
	NextPollAt   time.Time // zero means not scheduled
	Backoff      *Backoff
	Done         bool
	TimeoutAt    time.Time

	StartedAt   time.Time
	CompletedAt time.Time
	Retries     int
}

// Clone returns a deep copy so callers never alias store-owned state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Backoff != nil {
		b := *r.Backoff
		c.Backoff = &b
	}
	if r.Job.Output != nil {
		c.Job.Output = append([]string(nil), r.Job.Output...)
	}
	if r.Req.Seed != nil {
		s := *r.Req.Seed
		c.Req.Seed = &s
	}
	return &c
}

// Store defines persistence for job records. Implementations maintain two
// indices, by job id and by owner, and must keep them consistent: deleting a
// job removes it from its owner's set, and no owner set may reference a
// missing job.
type Store interface {
	Upsert(rec *Record) error
	Get(id string) (*Record, error) // ErrNotFound when absent
	List() ([]*Record, error)
	ListByOwner(ownerID string) ([]*Record, error)
	Delete(id string) error
	Close() error
}
