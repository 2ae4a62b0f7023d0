package analytics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName identifies this package's meter.
const MeterName = "github.com/reelforge/reelforge/internal/analytics"

// defaultAverage is the assumed generation time for owners with no history.
const defaultAverage = 2 * time.Minute

type bucket struct {
	count        int
	totalElapsed time.Duration
	successes    int
	failures     int
	failureCodes map[string]int
	costCents    int
}

// Stats is a read-only snapshot of one bucket.
type Stats struct {
	TotalJobs       int            `json:"total_jobs"`
	AverageDuration time.Duration  `json:"average_generation"`
	SuccessRate     int            `json:"success_rate"` // percent
	FailuresByCode  map[string]int `json:"failures_by_code"`
	TotalCostCents  int            `json:"total_cost_cents"`
}

// Recorder aggregates per-owner and global job statistics and mirrors them
// onto OpenTelemetry instruments.
type Recorder struct {
	mu       sync.Mutex
	perOwner map[string]*bucket
	global   bucket

	jobsCreated   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobCost       metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// New creates a Recorder with instruments from the given MeterProvider.
func New(mp metric.MeterProvider) *Recorder {
	meter := mp.Meter(MeterName)
	r := &Recorder{
		perOwner: make(map[string]*bucket),
		global:   bucket{failureCodes: map[string]int{}},
	}

	// Note: errors from meter instrument creation are unlikely in practice
	// and would only occur with invalid parameters. We use explicit checks
	// to satisfy the linter while continuing with partial metrics on error.
	var err error

	r.jobsCreated, err = meter.Int64Counter(
		"reelforge.jobs.created",
		metric.WithDescription("Total video-generation jobs submitted"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		r.jobsCreated, _ = meter.Int64Counter("reelforge.jobs.created")
	}

	r.jobsCompleted, err = meter.Int64Counter(
		"reelforge.jobs.completed",
		metric.WithDescription("Total jobs that reached a terminal state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		r.jobsCompleted, _ = meter.Int64Counter("reelforge.jobs.completed")
	}

	r.jobCost, err = meter.Int64Counter(
		"reelforge.jobs.cost",
		metric.WithDescription("Estimated generation cost"),
		metric.WithUnit("{cent}"),
	)
	if err != nil {
		r.jobCost, _ = meter.Int64Counter("reelforge.jobs.cost")
	}

	r.jobDuration, err = meter.Float64Histogram(
		"reelforge.jobs.duration",
		metric.WithDescription("Wall-clock generation time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		r.jobDuration, _ = meter.Float64Histogram("reelforge.jobs.duration")
	}

	return r
}

// NewNoop creates a Recorder whose instruments do nothing; the in-memory
// aggregates still work.
func NewNoop() *Recorder {
	return New(noop.NewMeterProvider())
}

// RecordJobCreated counts a new submission for the owner.
func (r *Recorder) RecordJobCreated(ctx context.Context, ownerID string) {
	r.mu.Lock()
	b := r.owner(ownerID)
	b.count++
	r.global.count++
	r.mu.Unlock()
	r.jobsCreated.Add(ctx, 1)
}

// RecordJobCost adds an estimated cost for the owner.
func (r *Recorder) RecordJobCost(ctx context.Context, ownerID string, cents int) {
	r.mu.Lock()
	r.owner(ownerID).costCents += cents
	r.global.costCents += cents
	r.mu.Unlock()
	r.jobCost.Add(ctx, int64(cents))
}

// RecordJobCompleted records a terminal transition exactly once per job.
func (r *Recorder) RecordJobCompleted(ctx context.Context, ownerID string, elapsed time.Duration, success bool, failureCode string) {
	r.mu.Lock()
	for _, b := range []*bucket{r.owner(ownerID), &r.global} {
		b.totalElapsed += elapsed
		if success {
			b.successes++
		} else {
			b.failures++
			if failureCode != "" {
				b.failureCodes[failureCode]++
			}
		}
	}
	r.mu.Unlock()
	r.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	r.jobDuration.Record(ctx, float64(elapsed.Milliseconds()))
}

// OwnerAverage returns the owner's mean generation time, falling back to the
// global default when there is no history.
func (r *Recorder) OwnerAverage(ownerID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.perOwner[ownerID]
	if !ok {
		return defaultAverage
	}
	return average(b)
}

// OwnerStats snapshots one owner's bucket.
func (r *Recorder) OwnerStats(ownerID string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.perOwner[ownerID]
	if !ok {
		return Stats{AverageDuration: defaultAverage, SuccessRate: 100, FailuresByCode: map[string]int{}}
	}
	return snapshot(b)
}

// GlobalStats snapshots the cross-owner bucket.
func (r *Recorder) GlobalStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(&r.global)
}

func (r *Recorder) owner(ownerID string) *bucket {
	b, ok := r.perOwner[ownerID]
	if !ok {
		b = &bucket{failureCodes: map[string]int{}}
		r.perOwner[ownerID] = b
	}
	return b
}

func average(b *bucket) time.Duration {
	finished := b.successes + b.failures
	if finished == 0 {
		return defaultAverage
	}
	return b.totalElapsed / time.Duration(finished)
}

func snapshot(b *bucket) Stats {
	rate := 100
	if b.count > 0 {
		rate = b.successes * 100 / b.count
	}
	codes := make(map[string]int, len(b.failureCodes))
	for k, v := range b.failureCodes {
		codes[k] = v
	}
	return Stats{
		TotalJobs:       b.count,
		AverageDuration: average(b),
		SuccessRate:     rate,
		FailuresByCode:  codes,
		TotalCostCents:  b.costCents,
	}
}
