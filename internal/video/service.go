package video

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/analytics"
	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/provider"
)

// centsPerSecond is the rough billing estimate recorded per submitted job.
const centsPerSecond = 5

// baselineProcessing is the global fallback used for queue estimates when an
// owner has no completed jobs yet.
const baselineProcessing = 2 * time.Minute

// Service orchestrates generation jobs: it submits requests to the provider,
// tracks them in the store, and merges live provider state into the tracked
// record on every status check. All state transitions for a given job are
// serialized through a per-job lock so concurrent status checks and the
// background poller never interleave partial updates.
type Service struct {
	log    *slog.Logger
	client provider.Client
	store  jobs.Store
	rec    *analytics.Recorder

	firstPollDelay time.Duration
	jobTimeout     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// Options tunes job scheduling. Zero values fall back to the defaults.
type Options struct {
	FirstPollDelay time.Duration
	JobTimeout     time.Duration
}

func NewService(log *slog.Logger, client provider.Client, store jobs.Store, rec *analytics.Recorder, opts Options) *Service {
	if opts.FirstPollDelay <= 0 {
		opts.FirstPollDelay = common.DefaultFirstPollMS * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = common.DefaultJobTimeoutMin * time.Minute
	}
	return &Service{
		log:            log,
		client:         client,
		store:          store,
		rec:            rec,
		firstPollDelay: opts.FirstPollDelay,
		jobTimeout:     opts.JobTimeout,
		locks:          make(map[string]*sync.Mutex),
		now:            time.Now,
	}
}

// Store exposes the underlying job store for components that share it.
func (s *Service) Store() jobs.Store { return s.store }

// Submit validates the request, sends it to the provider, and begins
// tracking the resulting job.
func (s *Service) Submit(ctx context.Context, req jobs.Request, ownerID string) (*JobView, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	payload := buildPayload(req)
	gen, err := s.client.Submit(ctx, payload)
	if err != nil {
		return nil, faults.Classify(err)
	}

	now := s.now()
	job := jobs.Job{
		ID:        gen.ID,
		Status:    jobs.StatusFromProvider(gen.Status),
		Progress:  0,
		CreatedAt: createdAt(gen, now),
		Task:      payload.Task,
		Ratio:     req.Ratio,
		Duration:  req.Duration,
		ETA:       initialETA(gen),
	}
	rec := &jobs.Record{
		Job:        job,
		Req:        req,
		OwnerID:    ownerID,
		NextPollAt: now.Add(s.firstPollDelay),
		TimeoutAt:  now.Add(s.jobTimeout),
		StartedAt:  now,
	}
	if err := s.store.Upsert(rec); err != nil {
		return nil, fmt.Errorf("tracking job %s: %w", gen.ID, err)
	}

	s.rec.RecordJobCreated(ctx, ownerID)
	s.rec.RecordJobCost(ctx, ownerID, req.Duration*centsPerSecond)
	s.log.Info("job submitted", "job_id", gen.ID, "task", payload.Task, "duration", req.Duration)

	return viewFor(job, nil, now), nil
}

// GetJob returns the current state of a job, refreshing it from the provider
// when the job is still in flight. Terminal jobs are returned as stored and
// never mutated again.
func (s *Service) GetJob(ctx context.Context, id string) (*JobView, error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Done {
		return s.enrich(rec), nil
	}

	gen, err := s.client.GetStatus(ctx, id)
	if err != nil {
		f := faults.Classify(err)
		if f.Retryable {
			// Transient poll failure: keep the stored state, advance
			// backoff, and let the next cycle retry.
			rec.Backoff = jobs.NextBackoff(rec.Backoff)
			rec.NextPollAt = s.now().Add(rec.Backoff.NextDelay)
			rec.LastPolledAt = s.now()
			if uerr := s.store.Upsert(rec); uerr != nil {
				s.log.Warn("saving poll state", "job_id", id, "error", uerr)
			}
			return s.enrich(rec), nil
		}
		s.failLocked(ctx, rec, f)
		return s.enrich(rec), nil
	}

	s.mergeLocked(ctx, rec, gen)
	return s.enrich(rec), nil
}

// Cancel asks the provider to stop the job and marks the local record
// terminal regardless of the provider's acknowledgment shape.
func (s *Service) Cancel(ctx context.Context, id string) (*JobView, error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Done {
		return s.enrich(rec), nil
	}

	gen, cerr := s.client.Cancel(ctx, id)
	if cerr != nil {
		s.log.Warn("provider cancel", "job_id", id, "error", cerr)
	}

	status := jobs.StatusCancelled
	if gen != nil {
		if mapped := jobs.StatusFromProvider(gen.Status); mapped.Terminal() {
			status = mapped
		}
	}
	now := s.now()
	rec.Job.Status = status
	rec.Job.ETA = 0
	rec.Done = true
	rec.CompletedAt = now
	rec.NextPollAt = time.Time{}
	rec.LastPolledAt = now
	if err := s.store.Upsert(rec); err != nil {
		return nil, err
	}
	s.rec.RecordJobCompleted(ctx, rec.OwnerID, now.Sub(rec.StartedAt), status == jobs.StatusSucceeded, rec.Job.FailureCode)
	s.log.Info("job cancelled", "job_id", id, "status", status)
	return s.enrich(rec), nil
}

// Retry resubmits the stored request of an existing job as a new job owned
// by the caller. The original record is left untouched.
func (s *Service) Retry(ctx context.Context, id, ownerID string) (*JobView, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		ownerID = rec.OwnerID
	}
	view, err := s.Submit(ctx, rec.Req, ownerID)
	if err != nil {
		return nil, err
	}
	if fresh, gerr := s.store.Get(view.ID); gerr == nil {
		fresh.Retries = rec.Retries + 1
		if uerr := s.store.Upsert(fresh); uerr != nil {
			s.log.Warn("saving retry count", "job_id", view.ID, "error", uerr)
		}
	}
	return view, nil
}

// ListActive returns the owner's non-terminal jobs, oldest first.
func (s *Service) ListActive(ownerID string) ([]*JobView, error) {
	recs, err := s.store.ListByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	active := recs[:0]
	for _, r := range recs {
		if !r.Done {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Job.CreatedAt.Before(active[j].Job.CreatedAt)
	})
	views := make([]*JobView, 0, len(active))
	for _, r := range active {
		views = append(views, s.enrich(r))
	}
	return views, nil
}

// ForceFail marks a job failed locally without contacting the provider. The
// poller uses it for deadline and quota enforcement.
func (s *Service) ForceFail(ctx context.Context, id string, f *faults.Fault) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if rec.Done {
		return nil
	}
	s.failLocked(ctx, rec, f)
	return nil
}

// Poll refreshes a single job from the provider. It is the poller's entry
// point and shares the per-job lock with GetJob.
func (s *Service) Poll(ctx context.Context, id string) error {
	_, err := s.GetJob(ctx, id)
	return err
}

// queueStatus computes the job's creation-order position among all
// non-terminal jobs and projects a start time from the owner's historical
// average, blended with the global baseline.
func (s *Service) queueStatus(rec *jobs.Record) *QueueStatus {
	all, err := s.store.List()
	if err != nil {
		return nil
	}
	var waiting []*jobs.Record
	for _, r := range all {
		if !r.Done {
			waiting = append(waiting, r)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Job.CreatedAt.Before(waiting[j].Job.CreatedAt)
	})
	pos := -1
	for i, r := range waiting {
		if r.Job.ID == rec.Job.ID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}
	owner := s.rec.OwnerAverage(rec.OwnerID)
	avg := (7*owner + 3*baselineProcessing) / 10
	return &QueueStatus{
		Position:          pos,
		Length:            len(waiting),
		AverageProcessing: avg,
		EstimatedStart:    s.now().Add(time.Duration(pos) * avg),
	}
}

func (s *Service) enrich(rec *jobs.Record) *JobView {
	var q *QueueStatus
	if !rec.Done {
		q = s.queueStatus(rec)
	}
	return viewFor(rec.Job, q, s.now())
}

// mergeLocked folds a fresh provider snapshot into the record. Progress is
// monotonic, terminal transitions fire completion analytics exactly once,
// and a progress advance resets the poll backoff.
func (s *Service) mergeLocked(ctx context.Context, rec *jobs.Record, gen *provider.Generation) {
	now := s.now()
	status := jobs.StatusFromProvider(gen.Status)

	advanced := false
	if gen.Progress != nil && *gen.Progress > rec.Job.Progress {
		rec.Job.Progress = *gen.Progress
		advanced = true
	}
	if status != rec.Job.Status {
		rec.Job.Status = status
		advanced = true
	}
	if len(gen.Output) > 0 {
		rec.Job.Output = append([]string(nil), gen.Output...)
	}
	if gen.Error != nil && gen.Error.Message != "" {
		rec.Job.Failure = gen.Error.Message
		rec.Job.FailureCode = gen.Error.Code
	}
	rec.LastPolledAt = now

	if status.Terminal() {
		if status == jobs.StatusSucceeded {
			rec.Job.Progress = 100
		}
		rec.Job.ETA = 0
		rec.Done = true
		rec.CompletedAt = now
		rec.NextPollAt = time.Time{}
		s.rec.RecordJobCompleted(ctx, rec.OwnerID, now.Sub(rec.StartedAt), status == jobs.StatusSucceeded, rec.Job.FailureCode)
		s.log.Info("job finished", "job_id", rec.Job.ID, "status", status, "elapsed", now.Sub(rec.StartedAt))
	} else {
		rec.Job.ETA = estimateETA(rec.Job.Progress)
		if advanced {
			rec.Backoff = jobs.ResetBackoff()
		}
		rec.Backoff = jobs.NextBackoff(rec.Backoff)
		rec.NextPollAt = now.Add(rec.Backoff.NextDelay)
	}

	if err := s.store.Upsert(rec); err != nil {
		s.log.Warn("saving job state", "job_id", rec.Job.ID, "error", err)
	}
}

func (s *Service) failLocked(ctx context.Context, rec *jobs.Record, f *faults.Fault) {
	now := s.now()
	rec.Job.Status = jobs.StatusFailed
	rec.Job.Failure = f.UserMessage
	rec.Job.FailureCode = string(f.Type)
	rec.Job.ETA = 0
	rec.Done = true
	rec.CompletedAt = now
	rec.NextPollAt = time.Time{}
	rec.LastPolledAt = now
	if err := s.store.Upsert(rec); err != nil {
		s.log.Warn("saving failed job", "job_id", rec.Job.ID, "error", err)
	}
	s.rec.RecordJobCompleted(ctx, rec.OwnerID, now.Sub(rec.StartedAt), false, string(f.Type))
	s.log.Warn("job failed", "job_id", rec.Job.ID, "type", f.Type, "message", f.Message)
}

func (s *Service) jobLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// ReleaseLock drops the per-job lock entry for a job that is no longer
// tracked. Called by the retention sweep after deleting old records.
func (s *Service) ReleaseLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

func validate(req *jobs.Request) error {
	if strings.TrimSpace(req.PromptText) == "" {
		return faults.New(faults.TypeInvalidPrompt, "prompt text is required")
	}
	if req.TaskType == "" {
		req.TaskType = "text-to-video"
	}
	if req.Duration == 0 {
		req.Duration = common.DefaultDurationSeconds
	}
	if req.Duration < common.MinDurationSeconds || req.Duration > common.MaxDurationSeconds {
		return faults.New(faults.TypeInvalidPrompt,
			fmt.Sprintf("duration must be between %d and %d seconds", common.MinDurationSeconds, common.MaxDurationSeconds))
	}
	if req.Ratio == "" {
		req.Ratio = common.RatioLandscape
	}
	return nil
}

func buildPayload(req jobs.Request) provider.Payload {
	p := provider.Payload{
		Task:           req.TaskType,
		Prompt:         req.PromptText,
		NegativePrompt: req.NegativePrompt,
		Duration:       req.Duration,
		Resolution:     toResolution(req.Ratio),
		AspectRatio:    req.Ratio,
		Seed:           req.Seed,
	}
	if req.Watermark {
		t := true
		p.Watermark = &t
	}
	if req.ExploreMode {
		t := true
		p.ExploreMode = &t
	}
	return p
}

func toResolution(ratio string) string {
	switch ratio {
	case common.RatioPortrait:
		return "1080x1920"
	case common.RatioSquare:
		return "1080x1080"
	default:
		return "1920x1080"
	}
}

func createdAt(gen *provider.Generation, fallback time.Time) time.Time {
	if gen.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, gen.CreatedAt); err == nil {
			return t
		}
	}
	return fallback
}

func initialETA(gen *provider.Generation) time.Duration {
	if gen.EstimatedTime != nil && *gen.EstimatedTime > 0 {
		return time.Duration(*gen.EstimatedTime) * time.Second
	}
	return common.DefaultTotalEstimateS * time.Second
}
