package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reelforge/reelforge/internal/analytics"
	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/generator"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/keypool"
	"github.com/reelforge/reelforge/internal/poller"
	"github.com/reelforge/reelforge/internal/quota"
	"github.com/reelforge/reelforge/internal/submitq"
	"github.com/reelforge/reelforge/internal/util"
	"github.com/reelforge/reelforge/internal/video"
)

// maxBodyBytes bounds request bodies; creation requests are small JSON.
const maxBodyBytes = 1 << 20

type Service struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Videos  *video.Service
	Gen     *generator.Generator
	Pool    *keypool.Pool // nil when the mock provider is configured
	Rec     *analytics.Recorder
	Counter *quota.DailyCounter
	Poller  *poller.Poller
	Submits *submitq.Queue
	Quality *generator.QualityChecker
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		if svc.Pool != nil {
			out["provider_at_risk"] = svc.Pool.AtRisk()
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathVideos, svc.withCommon(svc.handleCreateVideo))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos, svc.withCommon(svc.handleListActive))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos+"/{id}", svc.withCommon(svc.handleGetVideo))
	mux.HandleFunc(http.MethodPost+" "+common.PathVideos+"/{id}/cancel", svc.withCommon(svc.handleCancelVideo))
	mux.HandleFunc(http.MethodPost+" "+common.PathVideos+"/{id}/retry", svc.withCommon(svc.handleRetryVideo))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos+"/{id}/quality", svc.withCommon(svc.handleQualityCheck))
	mux.HandleFunc(http.MethodGet+" "+common.PathAnalytics, svc.withCommon(svc.handleAnalytics))
	mux.HandleFunc(http.MethodGet+" "+common.PathKeys, svc.withCommon(svc.handleKeys))
	mux.HandleFunc(http.MethodPost+" "+common.PathResume, svc.withCommon(svc.handleResume))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	}
}

type createRequest struct {
	generator.Request
	Tier string `json:"tier,omitempty"`
}

type createResponse struct {
	Jobs               []*video.JobView `json:"jobs"`
	EstimatedCostCents int              `json:"estimated_cost_cents"`
}

type deferredResponse struct {
	Deferred     bool   `json:"deferred"`
	Backlog      int    `json:"backlog"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func (svc *Service) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	owner := svc.ownerID(w, r)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		svc.writeFault(w, faults.New(faults.TypeInvalidPrompt, "invalid request body: "+err.Error()))
		return
	}
	tier := quota.Tier(req.Tier)
	if tier == "" {
		tier = quota.TierFree
	}

	count := svc.Counter.CheckAndIncrement(owner)
	if !count.Allowed {
		f := faults.New(faults.TypeQuotaExceeded, "daily generation cap reached")
		f.RetryAfter = time.Until(count.ResetAt)
		svc.writeFault(w, f)
		return
	}

	views, err := svc.Gen.GenerateBatch(r.Context(), req.Request, owner, tier)
	if err != nil {
		f := faults.Classify(err)
		if f.Type == faults.TypeRateLimitExceeded {
			svc.deferSubmission(w, req.Request, owner, tier, f)
			return
		}
		svc.writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		Jobs:               views,
		EstimatedCostCents: generator.EstimateCostCents(req.Request, len(views)),
	})
}

// deferSubmission parks a rate-limited request on the internal queue and
// answers 202 so the caller does not see the provider's pushback as an error.
func (svc *Service) deferSubmission(w http.ResponseWriter, req generator.Request, owner string, tier quota.Tier, f *faults.Fault) {
	item := submitq.Item{
		ID:        util.NewID(),
		OwnerID:   owner,
		NotBefore: time.Now().Add(f.RetryAfter),
		Submit: func(ctx context.Context) error {
			_, err := svc.Gen.GenerateBatch(ctx, req, owner, tier)
			return err
		},
	}
	if err := svc.Submits.Enqueue(item); err != nil {
		svc.writeFault(w, f)
		return
	}
	svc.Log.Info("submission deferred", "owner_id", owner, "backlog", svc.Submits.Backlog())
	writeJSON(w, http.StatusAccepted, deferredResponse{
		Deferred:     true,
		Backlog:      svc.Submits.Backlog(),
		Message:      "the provider is rate limited; your request is queued and will be submitted automatically",
		RetryAfterMS: f.RetryAfter.Milliseconds(),
	})
}

func (svc *Service) handleListActive(w http.ResponseWriter, r *http.Request) {
	owner := svc.ownerID(w, r)
	views, err := svc.Videos.ListActive(owner)
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (svc *Service) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	view, err := svc.Videos.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (svc *Service) handleCancelVideo(w http.ResponseWriter, r *http.Request) {
	view, err := svc.Videos.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (svc *Service) handleRetryVideo(w http.ResponseWriter, r *http.Request) {
	owner := svc.ownerID(w, r)
	view, err := svc.Videos.Retry(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (svc *Service) handleQualityCheck(w http.ResponseWriter, r *http.Request) {
	view, err := svc.Videos.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	report := svc.Quality.Check(r.Context(), view.Output)
	writeJSON(w, http.StatusOK, report)
}

func (svc *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	owner := svc.ownerID(w, r)
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":  svc.Rec.OwnerStats(owner),
		"global": svc.Rec.GlobalStats(),
	})
}

func (svc *Service) handleKeys(w http.ResponseWriter, r *http.Request) {
	if svc.Pool == nil {
		writeJSON(w, http.StatusOK, keypool.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, svc.Pool.Stats())
}

func (svc *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	n, err := svc.Poller.ResumeAll()
	if err != nil {
		svc.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed", "resumed": n})
}

// ownerID reads the owner cookie, minting and setting a fresh identity on
// first contact.
func (svc *Service) ownerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(common.OwnerCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := util.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     common.OwnerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

type faultResponse struct {
	Error           string `json:"error"`
	UserMessage     string `json:"user_message"`
	SuggestedAction string `json:"suggested_action"`
	Retryable       bool   `json:"retryable"`
	RetryAfterMS    int64  `json:"retry_after_ms,omitempty"`
}

func (svc *Service) writeFault(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, faultResponse{
			Error:           "not_found",
			UserMessage:     "We couldn't find that job.",
			SuggestedAction: "Check the job id or list your active jobs.",
		})
		return
	}
	f := faults.Classify(err)
	status := f.Status
	if status == 0 {
		status = statusFor(f.Type)
	}
	if svc.Log != nil && status >= 500 {
		svc.Log.Error("request failed", "type", f.Type, "error", f.Message)
	}
	writeJSON(w, status, faultResponse{
		Error:           string(f.Type),
		UserMessage:     f.UserMessage,
		SuggestedAction: f.SuggestedAction,
		Retryable:       f.Retryable,
		RetryAfterMS:    f.RetryAfter.Milliseconds(),
	})
}

func statusFor(t faults.Type) int {
	switch t {
	case faults.TypeAuthentication:
		return http.StatusUnauthorized
	case faults.TypeRateLimitExceeded, faults.TypeQuotaExceeded:
		return http.StatusTooManyRequests
	case faults.TypeInvalidPrompt:
		return http.StatusBadRequest
	case faults.TypeGenerationFailed:
		return http.StatusBadGateway
	case faults.TypeNetwork:
		return http.StatusServiceUnavailable
	case faults.TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
