package submitq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/faults"
)

// ErrFull is returned when the deferred-submission buffer is at capacity.
var ErrFull = errors.New("submit queue is full")

// Item is one deferred submission: an owner's request held back because the
// provider was rate limited at admission time.
type Item struct {
	ID         string
	OwnerID    string
	Attempts   int
	EnqueuedAt time.Time
	Submit     func(ctx context.Context) error
	NotBefore  time.Time
}

// Queue is an in-memory bounded queue of deferred submissions with a worker
// pool. Items that fail with a retryable fault are re-enqueued with a delay
// until maxAttempts is reached.
type Queue struct {
	log         *slog.Logger
	ch          chan Item
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	wg          sync.WaitGroup
	cancelOnce  sync.Once
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// NewQueue creates a Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:         logger,
		ch:          make(chan Item, capacity),
		workers:     workers,
		maxAttempts: 5,
		retryDelay:  15 * time.Second,
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("submit queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item := <-q.ch:
			q.process(ctx, log, item)
		}
	}
}

func (q *Queue) process(ctx context.Context, log *slog.Logger, item Item) {
	if wait := time.Until(item.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	itemLog := log.With("item_id", item.ID, "attempt", item.Attempts+1)
	start := time.Now()
	err := item.Submit(ctx)
	if err == nil {
		itemLog.Info("deferred submission succeeded", "waited", time.Since(item.EnqueuedAt), "duration", time.Since(start))
		return
	}

	f := faults.Classify(err)
	item.Attempts++
	if !f.Retryable || item.Attempts >= q.maxAttempts {
		itemLog.Error("deferred submission dropped", "err", err, "attempts", item.Attempts)
		return
	}

	// The channel stays open for the process lifetime, so requeueing from a
	// worker is safe; during shutdown the item is dropped instead.
	if ctx.Err() != nil {
		itemLog.Warn("deferred submission dropped at shutdown", "err", err)
		return
	}
	delay := q.retryDelay
	if f.RetryAfter > 0 {
		delay = f.RetryAfter
	}
	item.NotBefore = time.Now().Add(delay)
	select {
	case q.ch <- item:
		itemLog.Warn("deferred submission requeued", "err", err, "delay", delay)
	default:
		itemLog.Error("deferred submission dropped, queue full", "err", err)
	}
}

// Enqueue buffers a deferred submission, rejecting when at capacity.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.New("submit queue not started")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Backlog reports how many submissions are waiting.
func (q *Queue) Backlog() int {
	return len(q.ch)
}

// Shutdown stops accepting work and waits for workers up to the deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.started = false
		q.mu.Unlock()
		if q.cancel != nil {
			q.cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("submit queue shutdown deadline reached; workers may still be running")
		}
	})
}
