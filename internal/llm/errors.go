package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies every failure an adapter can surface. Raw provider
// error payloads never propagate past the adapter boundary; each native
// error is mapped into exactly one kind.
type ErrorKind string

const (
	KindAuthenticationFailed   ErrorKind = "authentication_failed"
	KindRateLimited            ErrorKind = "rate_limited"
	KindProviderUnavailable    ErrorKind = "provider_unavailable"
	KindContentFiltered        ErrorKind = "content_filtered"
	KindContextLengthExceeded  ErrorKind = "context_length_exceeded"
	KindUnsupportedContentKind ErrorKind = "unsupported_content_kind"
	KindToolExecutionFailed    ErrorKind = "tool_execution_failed"
	KindLoopLimitExceeded      ErrorKind = "loop_limit_exceeded"
	KindTimeoutExceeded        ErrorKind = "timeout_exceeded"
	KindCancelled              ErrorKind = "cancelled"
	KindUnknown                ErrorKind = "unknown"
)

// Error is the normalized provider error. Summary is safe to show to a
// caller; the wrapped cause is kept for logs only.
type Error struct {
	Kind    ErrorKind
	Summary string

	// RetryAfter is the provider-suggested wait, set for KindRateLimited
	// when the provider supplied one.
	RetryAfter time.Duration

	cause error
}

// NewError creates a normalized error with a human-readable summary.
func NewError(kind ErrorKind, summary string) *Error {
	return &Error{Kind: kind, Summary: summary}
}

// WrapError creates a normalized error keeping the native cause for logs.
func WrapError(kind ErrorKind, summary string, cause error) *Error {
	return &Error{Kind: kind, Summary: summary, cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the error kind from any error, normalizing context
// cancellation and deadline expiry along the way.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeoutExceeded
	}
	return KindUnknown
}

// Retryable reports whether an error is worth retrying with backoff.
// Only rate limiting and provider unavailability qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderUnavailable:
		return true
	}
	return false
}

// RetryAfterOf returns the provider-suggested wait, or zero.
func RetryAfterOf(err error) time.Duration {
	var le *Error
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header value, either delay seconds or
// an HTTP date. Returns zero when the header is absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if wait := time.Until(t); wait > 0 {
			return wait
		}
	}
	return 0
}
