package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus_Table(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		code       string
		wantType   Type
		wantRetry  bool
		retryAfter time.Duration
	}{
		{name: "401 auth", status: 401, wantType: TypeAuthentication, wantRetry: false},
		{name: "403 auth", status: 403, wantType: TypeAuthentication, wantRetry: false},
		{name: "429 quota", status: 429, code: "quota_exceeded", wantType: TypeQuotaExceeded, wantRetry: false},
		{name: "429 rate limit", status: 429, code: "rate_limited", wantType: TypeRateLimitExceeded, wantRetry: true, retryAfter: 30 * time.Second},
		{name: "400 prompt", status: 400, wantType: TypeInvalidPrompt, wantRetry: false},
		{name: "422 prompt", status: 422, wantType: TypeInvalidPrompt, wantRetry: false},
		{name: "500 generation", status: 500, wantType: TypeGenerationFailed, wantRetry: true},
		{name: "502 generation", status: 502, wantType: TypeGenerationFailed, wantRetry: true},
		{name: "503 generation", status: 503, wantType: TypeGenerationFailed, wantRetry: true},
		{name: "504 timeout", status: 504, wantType: TypeTimeout, wantRetry: true},
		{name: "418 unknown", status: 418, wantType: TypeUnknown, wantRetry: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := FromStatus(tc.status, tc.code, "boom", 0)
			assert.Equal(t, tc.wantType, f.Type)
			assert.Equal(t, tc.wantRetry, f.Retryable)
			assert.Equal(t, tc.status, f.Status)
			if tc.retryAfter > 0 {
				assert.Equal(t, tc.retryAfter, f.RetryAfter)
			}
			assert.NotEmpty(t, f.UserMessage)
			assert.NotEmpty(t, f.SuggestedAction)
		})
	}
}

func TestFromStatus_RetryAfterHintPreserved(t *testing.T) {
	f := FromStatus(429, "", "slow down", 5*time.Second)
	require.Equal(t, TypeRateLimitExceeded, f.Type)
	assert.Equal(t, 5*time.Second, f.RetryAfter)
}

func TestClassify_PassThrough(t *testing.T) {
	orig := FromStatus(503, "", "unavailable", 0)
	wrapped := fmt.Errorf("poll job: %w", orig)
	got := Classify(wrapped)
	assert.Same(t, orig, got)
}

func TestClassify_ContextDeadline(t *testing.T) {
	f := Classify(context.DeadlineExceeded)
	assert.Equal(t, TypeTimeout, f.Type)
	assert.True(t, f.Retryable)
}

type fakeNetErr struct{ timeout bool }

func (e *fakeNetErr) Error() string   { return "conn reset" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return true }

var _ net.Error = (*fakeNetErr)(nil)

func TestClassify_NetworkErrors(t *testing.T) {
	f := Classify(&fakeNetErr{})
	assert.Equal(t, TypeNetwork, f.Type)
	assert.True(t, f.Retryable)

	f = Classify(&fakeNetErr{timeout: true})
	assert.Equal(t, TypeTimeout, f.Type)
	assert.True(t, f.Retryable)
}

func TestClassify_Unknown(t *testing.T) {
	f := Classify(errors.New("mystery"))
	assert.Equal(t, TypeUnknown, f.Type)
	assert.False(t, f.Retryable)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, RetryableStatus(408, ""))
	assert.True(t, RetryableStatus(500, ""))
	assert.True(t, RetryableStatus(502, ""))
	assert.True(t, RetryableStatus(503, ""))
	assert.True(t, RetryableStatus(504, ""))
	assert.True(t, RetryableStatus(429, "rate_limited"))
	assert.False(t, RetryableStatus(429, "monthly_quota_exhausted"))
	assert.False(t, RetryableStatus(400, ""))
	assert.False(t, RetryableStatus(401, ""))
	assert.False(t, RetryableStatus(404, ""))
}

func TestFault_ErrorsIsByType(t *testing.T) {
	f := FromStatus(429, "quota", "quota exceeded", 0)
	assert.True(t, errors.Is(f, New(TypeQuotaExceeded, "")))
	assert.False(t, errors.Is(f, New(TypeRateLimitExceeded, "")))
}
