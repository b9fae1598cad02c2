package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingAdapter wraps an adapter with bounded exponential backoff on
// pre-stream failures. Only rate limiting and provider unavailability are
// retried; everything else surfaces immediately. Mid-stream failures are
// never retried, a fresh provider call must be issued instead.
type RetryingAdapter struct {
	inner      Adapter
	maxRetries uint64
}

// WithRetry wraps an adapter with a bounded retry policy.
func WithRetry(inner Adapter, maxRetries int) *RetryingAdapter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingAdapter{inner: inner, maxRetries: uint64(maxRetries)}
}

// Name returns the wrapped adapter's provider name.
func (r *RetryingAdapter) Name() string {
	return r.inner.Name()
}

// Capabilities returns the wrapped adapter's capability set.
func (r *RetryingAdapter) Capabilities() Capabilities {
	return r.inner.Capabilities()
}

// Models returns the wrapped adapter's models.
func (r *RetryingAdapter) Models() []string {
	return r.inner.Models()
}

// Invoke dispatches through the wrapped adapter, retrying transient
// failures with exponential backoff until the retry budget runs out. When a
// rate-limit error carries a provider-suggested wait, that wait takes
// precedence over the computed interval.
func (r *RetryingAdapter) Invoke(ctx context.Context, req *Request) (*Stream, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	operation := func() (*Stream, error) {
		s, err := r.inner.Invoke(ctx, req)
		if err != nil && !Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		lastErr = err
		return s, err
	}

	policy := &retryAfterBackOff{
		BackOff: backoff.WithMaxRetries(bo, r.maxRetries),
		lastErr: &lastErr,
	}
	return backoff.RetryWithData(operation, backoff.WithContext(policy, ctx))
}

// retryAfterBackOff stretches the next interval to the provider-suggested
// Retry-After wait whenever the last error carried one.
type retryAfterBackOff struct {
	backoff.BackOff
	lastErr *error
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if wait := RetryAfterOf(*b.lastErr); wait > next {
		return wait
	}
	return next
}
