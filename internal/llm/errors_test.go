package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestKindOf_NormalizesContextErrors verifies context cancellation and
// deadline expiry map onto their dedicated kinds even when wrapped.
func TestKindOf_NormalizesContextErrors(t *testing.T) {
	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindTimeoutExceeded, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindCancelled, KindOf(fmt.Errorf("call: %w", context.Canceled)))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}

// TestKindOf_UnwrapsNormalizedErrors verifies the kind survives wrapping.
func TestKindOf_UnwrapsNormalizedErrors(t *testing.T) {
	inner := NewError(KindRateLimited, "slow down")
	wrapped := fmt.Errorf("invoke: %w", inner)
	require.Equal(t, KindRateLimited, KindOf(wrapped))
}

// TestRetryable verifies only rate limiting and provider unavailability
// qualify for backoff.
func TestRetryable(t *testing.T) {
	require.True(t, Retryable(NewError(KindRateLimited, "")))
	require.True(t, Retryable(NewError(KindProviderUnavailable, "")))

	require.False(t, Retryable(NewError(KindAuthenticationFailed, "")))
	require.False(t, Retryable(NewError(KindContentFiltered, "")))
	require.False(t, Retryable(NewError(KindContextLengthExceeded, "")))
	require.False(t, Retryable(context.Canceled))
}

// TestRetryAfterOf verifies the provider-suggested wait is extracted, zero
// otherwise.
func TestRetryAfterOf(t *testing.T) {
	err := NewError(KindRateLimited, "slow down")
	err.RetryAfter = 30 * time.Second
	require.Equal(t, 30*time.Second, RetryAfterOf(fmt.Errorf("invoke: %w", err)))
	require.Zero(t, RetryAfterOf(errors.New("boom")))
}

// TestParseRetryAfter covers the two header forms providers send, delay
// seconds and an HTTP date, plus absent and garbage values.
func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	require.Zero(t, parseRetryAfter(h))

	h.Set("Retry-After", "30")
	require.Equal(t, 30*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	wait := parseRetryAfter(h)
	require.Greater(t, wait, 80*time.Second)
	require.LessOrEqual(t, wait, 90*time.Second)

	h.Set("Retry-After", "soon")
	require.Zero(t, parseRetryAfter(h))
}

// TestError_KeepsCauseOutOfSummary verifies the native cause is reachable
// for logs but never part of the display string.
func TestError_KeepsCauseOutOfSummary(t *testing.T) {
	cause := errors.New("http 500: raw provider payload")
	err := WrapError(KindProviderUnavailable, "provider unavailable", cause)

	require.NotContains(t, err.Error(), "raw provider payload")
	require.ErrorIs(t, err, cause)
}
