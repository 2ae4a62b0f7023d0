package poller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/analytics"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/provider"
	"github.com/reelforge/reelforge/internal/video"
)

type scriptedClient struct {
	mu      sync.Mutex
	gens    map[string]*provider.Generation
	polled  []string
	latency time.Duration
}

func (c *scriptedClient) Submit(ctx context.Context, p provider.Payload) (*provider.Generation, error) {
	return &provider.Generation{ID: "unused", Status: "QUEUED"}, nil
}

func (c *scriptedClient) GetStatus(ctx context.Context, id string) (*provider.Generation, error) {
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polled = append(c.polled, id)
	if g, ok := c.gens[id]; ok {
		return g, nil
	}
	return &provider.Generation{ID: id, Status: "RUNNING"}, nil
}

func (c *scriptedClient) Cancel(ctx context.Context, id string) (*provider.Generation, error) {
	return &provider.Generation{ID: id, Status: "CANCELLED"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, opts Options) (*Poller, *video.Service, *scriptedClient, *time.Time) {
	t.Helper()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	now := base
	client := &scriptedClient{gens: map[string]*provider.Generation{}}
	svc := video.NewService(discardLogger(), client, jobs.NewMemStore(), analytics.NewNoop(), video.Options{})
	p := New(discardLogger(), svc, opts)
	p.now = func() time.Time { return now }
	return p, svc, client, &now
}

func track(t *testing.T, svc *video.Service, id string, nextPoll, timeout time.Time) {
	t.Helper()
	rec := &jobs.Record{
		Job:        jobs.Job{ID: id, Status: jobs.StatusRunning, CreatedAt: nextPoll},
		Req:        jobs.Request{PromptText: "p", TaskType: "text-to-video", Duration: 8},
		OwnerID:    "o",
		NextPollAt: nextPoll,
		TimeoutAt:  timeout,
		StartedAt:  nextPoll,
	}
	require.NoError(t, svc.Store().Upsert(rec))
}

func TestRunOncePollsDueJobs(t *testing.T) {
	p, svc, client, now := newHarness(t, Options{})
	far := now.Add(time.Hour)

	track(t, svc, "due-1", now.Add(-time.Second), far)
	track(t, svc, "due-2", *now, far)
	track(t, svc, "later", now.Add(time.Minute), far)

	p.nextGC = far
	p.runOnce(context.Background())

	assert.ElementsMatch(t, []string{"due-1", "due-2"}, client.polled)
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	p, svc, client, now := newHarness(t, Options{BatchSize: 2})
	far := now.Add(time.Hour)

	track(t, svc, "a", now.Add(-3*time.Second), far)
	track(t, svc, "b", now.Add(-2*time.Second), far)
	track(t, svc, "c", now.Add(-1*time.Second), far)

	p.nextGC = far
	p.runOnce(context.Background())

	// Oldest schedules go first, the rest wait for the next tick.
	assert.ElementsMatch(t, []string{"a", "b"}, client.polled)
}

func TestRunOncePollsBatchConcurrently(t *testing.T) {
	p, svc, client, now := newHarness(t, Options{})
	client.latency = 100 * time.Millisecond
	far := now.Add(time.Hour)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		track(t, svc, id, now.Add(-time.Second), far)
	}

	p.nextGC = far
	start := time.Now()
	p.runOnce(context.Background())
	elapsed := time.Since(start)

	assert.ElementsMatch(t, ids, client.polled)
	// Four 100ms status calls done one after another would take 400ms; the
	// batch runs in parallel so the cycle stays close to a single call.
	assert.Less(t, elapsed, 300*time.Millisecond, "due batch should not be polled sequentially")
}

func TestRunOnceFailsTimedOutJobs(t *testing.T) {
	p, svc, client, now := newHarness(t, Options{})

	track(t, svc, "expired", now.Add(-time.Second), now.Add(-time.Minute))
	p.nextGC = now.Add(time.Hour)
	p.runOnce(context.Background())

	assert.Empty(t, client.polled, "timed-out jobs are failed locally, not polled")
	rec, err := svc.Store().Get("expired")
	require.NoError(t, err)
	assert.True(t, rec.Done)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Equal(t, "timeout", rec.Job.FailureCode)
}

func TestRunOnceSweepsExpiredRecords(t *testing.T) {
	p, svc, _, now := newHarness(t, Options{Retention: time.Hour})

	old := &jobs.Record{
		Job:         jobs.Job{ID: "old", Status: jobs.StatusSucceeded},
		OwnerID:     "o",
		Done:        true,
		CompletedAt: now.Add(-2 * time.Hour),
	}
	fresh := &jobs.Record{
		Job:         jobs.Job{ID: "fresh", Status: jobs.StatusSucceeded},
		OwnerID:     "o",
		Done:        true,
		CompletedAt: now.Add(-time.Minute),
	}
	require.NoError(t, svc.Store().Upsert(old))
	require.NoError(t, svc.Store().Upsert(fresh))

	p.nextGC = *now
	p.runOnce(context.Background())

	_, err := svc.Store().Get("old")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = svc.Store().Get("fresh")
	assert.NoError(t, err)
}

func TestResumeAllReschedulesInFlight(t *testing.T) {
	p, svc, _, now := newHarness(t, Options{})
	far := now.Add(time.Hour)

	track(t, svc, "inflight", far, far)
	done := &jobs.Record{
		Job:         jobs.Job{ID: "done", Status: jobs.StatusSucceeded},
		OwnerID:     "o",
		Done:        true,
		CompletedAt: *now,
	}
	require.NoError(t, svc.Store().Upsert(done))

	resumed, err := p.ResumeAll()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	rec, err := svc.Store().Get("inflight")
	require.NoError(t, err)
	assert.Equal(t, *now, rec.NextPollAt)
	require.NotNil(t, rec.Backoff)
	assert.Equal(t, 0, rec.Backoff.Attempts)
	assert.Equal(t, jobs.BackoffBase, rec.Backoff.NextDelay)

	rec, err = svc.Store().Get("done")
	require.NoError(t, err)
	assert.True(t, rec.NextPollAt.IsZero())
}

func TestStartStop(t *testing.T) {
	p, svc, client, now := newHarness(t, Options{TickInterval: 5 * time.Millisecond})
	track(t, svc, "j", now.Add(-time.Second), now.Add(time.Hour))

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.polled) > 0
	}, time.Second, 5*time.Millisecond)
	p.Stop()

	// Stopping twice must not panic or block.
	p.Stop()
}
