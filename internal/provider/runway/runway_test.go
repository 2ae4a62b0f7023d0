package runway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/keypool"
	"github.com/reelforge/reelforge/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *keypool.Pool, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	pool := keypool.New([]string{"key-test-0001"})
	c := New(config.ProviderConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}, pool)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, pool, &delays
}

func TestSubmit_Success(t *testing.T) {
	c, pool, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/inference", r.URL.Path)
		assert.Equal(t, "Bearer key-test-0001", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-1","status":"QUEUED","estimated_time":120}`))
	}))
	gen, err := c.Submit(context.Background(), provider.Payload{Task: "text-to-video", Prompt: "a fox"})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", gen.ID)
	assert.Equal(t, "QUEUED", gen.Status)
	require.NotNil(t, gen.EstimatedTime)
	assert.Equal(t, 120, *gen.EstimatedTime)

	s := pool.Stats()
	assert.Equal(t, 1, s.Usage[0].Successes)
}

func TestGetStatus_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c, _, delays := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"message":"overloaded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"gen-1","status":"RUNNING","progress":55}`))
	}))
	gen, err := c.GetStatus(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, 55, *gen.Progress)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, *delays, 2)
}

func TestSubmit_NoRetryOnValidationError(t *testing.T) {
	var calls int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"prompt rejected","code":"bad_prompt"}}`))
	}))
	_, err := c.Submit(context.Background(), provider.Payload{Task: "text-to-video"})
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.TypeInvalidPrompt, f.Type)
	assert.Equal(t, "bad_prompt", f.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "400 must not be retried")
}

func TestSubmit_QuotaExceededNotRetried(t *testing.T) {
	var calls int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"quota_exceeded","message":"plan quota reached"}`))
	}))
	_, err := c.Submit(context.Background(), provider.Payload{Task: "text-to-video"})
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.TypeQuotaExceeded, f.Type)
	assert.False(t, f.Retryable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmit_RetryAfterHeaderOverridesBackoff(t *testing.T) {
	var calls int32
	c, pool, delays := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"gen-1","status":"QUEUED"}`))
	}))
	_, err := c.Submit(context.Background(), provider.Payload{Task: "text-to-video"})
	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.Equal(t, 2*time.Second, (*delays)[0])

	// The pool saw the rate-limit failure before the success.
	s := pool.Stats()
	assert.Equal(t, 1, s.Usage[0].Failures)
	assert.Equal(t, 1, s.Usage[0].Successes)
}

func TestCancel_HitsCancelEndpoint(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference/gen-9/cancel", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"id":"gen-9","status":"CANCELLED"}`))
	}))
	gen, err := c.Cancel(context.Background(), "gen-9")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", gen.Status)
}

func TestDo_ExhaustsRetriesOnPersistentFailure(t *testing.T) {
	var calls int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.GetStatus(context.Background(), "gen-1")
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.TypeGenerationFailed, f.Type)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "initial call plus three retries")
}
