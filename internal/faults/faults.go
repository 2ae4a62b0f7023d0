package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Type is the closed classification of everything that can go wrong while
// talking to the video provider.
type Type string

const (
	TypeAuthentication    Type = "auth_error"
	TypeRateLimitExceeded Type = "rate_limit"
	TypeQuotaExceeded     Type = "quota_exceeded"
	TypeInvalidPrompt     Type = "invalid_prompt"
	TypeGenerationFailed  Type = "generation_failed"
	TypeNetwork           Type = "network_error"
	TypeTimeout           Type = "timeout"
	TypeUnknown           Type = "unknown"
)

// Fault is a classified failure. It carries both the raw provider details
// (Status, Code, Message) for diagnostics and the derived, user-facing fields
// control flow and UIs act on.
type Fault struct {
	Type            Type
	Message         string
	UserMessage     string
	SuggestedAction string
	Retryable       bool
	RetryAfter      time.Duration // advisory; zero when the provider gave no hint
	Status          int           // originating HTTP status, 0 if none
	Code            string        // provider error code string, "" if none
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s (%s): %s", f.Type, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// Is supports errors.Is matching on another *Fault of the same Type.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Type == other.Type
	}
	return false
}

// New builds a Fault of the given type with the canonical user-facing text.
func New(t Type, message string) *Fault {
	f := &Fault{Type: t, Message: message, Retryable: defaultRetryable(t)}
	f.UserMessage, f.SuggestedAction = friendly(t)
	return f
}

// FromStatus maps an HTTP status plus the provider's error code/message into
// a Fault. retryAfter is the parsed Retry-After hint, zero if absent.
func FromStatus(status int, code, message string, retryAfter time.Duration) *Fault {
	if message == "" {
		message = fmt.Sprintf("provider error %d", status)
	}
	var t Type
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		t = TypeAuthentication
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(code), "quota") {
			t = TypeQuotaExceeded
		} else {
			t = TypeRateLimitExceeded
			if retryAfter == 0 {
				retryAfter = 30 * time.Second
			}
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		t = TypeInvalidPrompt
	case status == http.StatusGatewayTimeout:
		t = TypeTimeout
	case status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable:
		t = TypeGenerationFailed
	default:
		t = TypeUnknown
	}
	f := New(t, message)
	f.Status = status
	f.Code = code
	f.RetryAfter = retryAfter
	return f
}

// Classify maps an arbitrary error into a Fault. Already-classified errors
// pass through unchanged.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(TypeTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(TypeTimeout, err.Error())
		}
		return New(TypeNetwork, err.Error())
	}
	return New(TypeUnknown, err.Error())
}

// RetryableStatus reports whether a plain HTTP status is worth retrying at
// the transport layer. 429 responses whose error code mentions quota are not.
func RetryableStatus(status int, code string) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusTooManyRequests:
		return !strings.Contains(strings.ToLower(code), "quota")
	}
	return false
}

func defaultRetryable(t Type) bool {
	switch t {
	case TypeRateLimitExceeded, TypeGenerationFailed, TypeNetwork, TypeTimeout:
		return true
	default:
		return false
	}
}

func friendly(t Type) (userMessage, suggestedAction string) {
	switch t {
	case TypeAuthentication:
		return "We couldn't authenticate with the video provider. This is usually due to a missing or expired API key.",
			"Please contact support or an admin to update the provider keys."
	case TypeRateLimitExceeded:
		return "You're making requests faster than the provider allows. This is temporary and will clear shortly.",
			"Wait a moment and retry, or let us automatically retry with backoff."
	case TypeQuotaExceeded:
		return "You've reached your current plan's usage quota for video generation.",
			"Try again tomorrow or upgrade your plan for higher limits."
	case TypeInvalidPrompt:
		return "The prompt was rejected or couldn't be processed. This can happen with disallowed content or formatting issues.",
			"Adjust the prompt for clarity and policy compliance, then try again."
	case TypeTimeout:
		return "The request took too long to complete. This can happen under heavy load or on slow networks.",
			"Retry in a bit or let us retry automatically."
	case TypeNetwork:
		return "We couldn't reach the video provider due to a network issue.",
			"Check your connection. We'll retry automatically."
	case TypeGenerationFailed:
		return "The provider failed to generate the video due to a technical issue.",
			"Retry, reduce quality or duration, or adjust the prompt."
	default:
		return "Something unexpected went wrong.",
			"Retry or contact support if the problem persists."
	}
}
