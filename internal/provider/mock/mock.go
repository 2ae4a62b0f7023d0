package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/provider"
)

var _ provider.Client = (*Client)(nil)

type jobState struct {
	status   string
	progress int
}

// Client simulates the video provider: submissions queue instantly, progress
// advances a fixed step per status poll, and failure injection can be enabled
// for resilience testing.
type Client struct {
	mu           sync.Mutex
	latency      time.Duration
	progressStep int
	failEveryNth int
	submissions  int
	jobs         map[string]*jobState
}

// New creates a mock provider from config.
func New(cfg config.MockSettings) *Client {
	return &Client{
		latency:      cfg.Latency,
		progressStep: cfg.ProgressStep,
		failEveryNth: cfg.FailEveryNth,
		jobs:         make(map[string]*jobState),
	}
}

func (c *Client) Submit(ctx context.Context, payload provider.Payload) (*provider.Generation, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submissions++
	if c.failEveryNth > 0 && c.submissions%c.failEveryNth == 0 {
		return nil, faults.FromStatus(503, "", "simulated provider outage", 0)
	}
	id := "mock-" + uuid.NewString()
	c.jobs[id] = &jobState{status: "QUEUED"}
	est := 30
	return &provider.Generation{
		ID:            id,
		Status:        "QUEUED",
		EstimatedTime: &est,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Client) GetStatus(ctx context.Context, id string) (*provider.Generation, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.jobs[id]
	if !ok {
		return nil, faults.FromStatus(404, "not_found", fmt.Sprintf("job %s not found", id), 0)
	}
	if st.status == "QUEUED" || st.status == "RUNNING" {
		st.progress += c.progressStep
		if st.progress >= 100 {
			st.progress = 100
			st.status = "SUCCEEDED"
		} else {
			st.status = "RUNNING"
		}
	}
	gen := &provider.Generation{ID: id, Status: st.status, Progress: intPtr(st.progress)}
	if st.status == "SUCCEEDED" {
		gen.Output = []string{"https://mock.local/videos/" + id + ".mp4"}
	}
	return gen, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*provider.Generation, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.jobs[id]
	if !ok {
		return nil, faults.FromStatus(404, "not_found", fmt.Sprintf("job %s not found", id), 0)
	}
	st.status = "CANCELLED"
	return &provider.Generation{ID: id, Status: "CANCELLED", Progress: intPtr(st.progress)}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(c.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func intPtr(v int) *int { return &v }
