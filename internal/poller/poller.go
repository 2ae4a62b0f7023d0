package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/video"
)

// Poller drives all in-flight jobs from a single ticker. Each tick it fails
// jobs past their deadline, polls the batch of due jobs in scheduling order,
// and periodically sweeps terminal records past the retention window.
type Poller struct {
	log *slog.Logger
	svc *video.Service

	tick      time.Duration
	batchSize int
	retention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextGC  time.Time
	now     func() time.Time
}

// Options tunes the polling loop. Zero values fall back to the defaults.
type Options struct {
	TickInterval time.Duration
	BatchSize    int
	Retention    time.Duration
}

func New(log *slog.Logger, svc *video.Service, opts Options) *Poller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = common.DefaultPollBatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = common.DefaultRetentionMin * time.Minute
	}
	return &Poller{
		log:       log,
		svc:       svc,
		tick:      opts.TickInterval,
		batchSize: opts.BatchSize,
		retention: opts.Retention,
		now:       time.Now,
	}
}

// Start launches the polling loop. Calling Start while running is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.nextGC = p.now().Add(p.retention)
	go p.run(ctx)
	p.log.Info("poller started", "tick", p.tick, "batch_size", p.batchSize)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("poller stopped")
}

// ResumeAll reschedules every non-terminal job for an immediate poll and
// reports how many were resumed. Called once at startup so jobs loaded from
// a durable store pick up where they left off.
func (p *Poller) ResumeAll() (int, error) {
	recs, err := p.svc.Store().List()
	if err != nil {
		return 0, err
	}
	now := p.now()
	resumed := 0
	for _, rec := range recs {
		if rec.Done {
			continue
		}
		rec.NextPollAt = now
		rec.Backoff = jobs.ResetBackoff()
		if err := p.svc.Store().Upsert(rec); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		p.log.Info("resumed in-flight jobs", "count", resumed)
	}
	return resumed, nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce executes one scheduling cycle.
func (p *Poller) runOnce(ctx context.Context) {
	now := p.now()
	recs, err := p.svc.Store().List()
	if err != nil {
		p.log.Error("listing jobs", "error", err)
		return
	}

	var due []*jobs.Record
	for _, rec := range recs {
		if rec.Done {
			continue
		}
		if !rec.TimeoutAt.IsZero() && !now.Before(rec.TimeoutAt) {
			f := faults.New(faults.TypeTimeout, "generation exceeded the maximum allowed time")
			if err := p.svc.ForceFail(ctx, rec.Job.ID, f); err != nil {
				p.log.Warn("failing timed-out job", "job_id", rec.Job.ID, "error", err)
			}
			continue
		}
		if !rec.NextPollAt.IsZero() && !now.Before(rec.NextPollAt) {
			due = append(due, rec)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextPollAt.Before(due[j].NextPollAt) })
	if len(due) > p.batchSize {
		due = due[:p.batchSize]
	}
	// Poll the batch concurrently so one slow provider call does not stall
	// the cycle; the video service serializes updates per job.
	var wg sync.WaitGroup
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := p.svc.Poll(ctx, id); err != nil {
				p.log.Warn("polling job", "job_id", id, "error", err)
			}
		}(rec.Job.ID)
	}
	wg.Wait()

	if !now.Before(p.nextGC) {
		p.sweep(now)
		p.nextGC = now.Add(p.retention)
	}
}

// sweep deletes terminal records older than the retention window.
func (p *Poller) sweep(now time.Time) {
	recs, err := p.svc.Store().List()
	if err != nil {
		p.log.Error("listing jobs for sweep", "error", err)
		return
	}
	removed := 0
	for _, rec := range recs {
		if !rec.Done || rec.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(rec.CompletedAt) < p.retention {
			continue
		}
		if err := p.svc.Store().Delete(rec.Job.ID); err != nil {
			p.log.Warn("deleting expired job", "job_id", rec.Job.ID, "error", err)
			continue
		}
		p.svc.ReleaseLock(rec.Job.ID)
		removed++
	}
	if removed > 0 {
		p.log.Info("swept expired jobs", "count", removed)
	}
}
