package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// fakeAdapter is a scriptable adapter for exercising the retry wrapper and
// the registry without network calls.
type fakeAdapter struct {
	name    string
	caps    Capabilities
	invokes int
	script  func(call int) (*Stream, error)
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) Capabilities() Capabilities { return f.caps }
func (f *fakeAdapter) Models() []string          { return []string{"fake-model"} }

func (f *fakeAdapter) Invoke(ctx context.Context, req *Request) (*Stream, error) {
	f.invokes++
	return f.script(f.invokes)
}

// completedStream builds a stream that emits one text delta and completes.
func completedStream(text string) *Stream {
	s := NewStream(func() {})
	go func() {
		s.ch <- Event{Type: EventTextDelta, Text: text}
		s.ch <- Event{Type: EventCompleted, FinishReason: "stop"}
		s.Close()
	}()
	return s
}

// TestCheckContent_RejectsUnsupportedKinds verifies translation fails with
// the unsupported-content kind when capabilities cannot carry a part.
func TestCheckContent_RejectsUnsupportedKinds(t *testing.T) {
	textOnly := Capabilities{Completion: true, Streaming: true}

	imageReq := &Request{Messages: []model.Message{{
		Role:  model.RoleUser,
		Parts: []model.ContentPart{{Kind: model.PartImage, ImageURL: "https://example.com/a.png"}},
	}}}
	err := checkContent(imageReq, textOnly)
	require.Error(t, err)
	require.Equal(t, KindUnsupportedContentKind, KindOf(err))

	toolReq := &Request{Tools: []ToolSpec{{Name: "search"}}}
	err = checkContent(toolReq, textOnly)
	require.Equal(t, KindUnsupportedContentKind, KindOf(err))

	okReq := &Request{Messages: []model.Message{*model.TextMessage(model.RoleUser, "hi")}}
	require.NoError(t, checkContent(okReq, textOnly))
}

// TestRegistry_ClosedSet verifies lookup of unknown providers fails and
// registered names come back sorted.
func TestRegistry_ClosedSet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "zeta"})
	r.Register(&fakeAdapter{name: "alpha"})

	_, err := r.Get("missing")
	require.Error(t, err)

	a, err := r.Get("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", a.Name())

	require.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

// TestStream_CancelIdempotent verifies Cancel is safe to call repeatedly
// and stops production.
func TestStream_CancelIdempotent(t *testing.T) {
	cancels := 0
	s := NewStream(func() { cancels++ })

	s.Cancel()
	s.Cancel()
	s.Cancel()
	require.Equal(t, 1, cancels)
}

// TestWithRetry_RetriesTransientFailures verifies rate-limited calls are
// reissued until the budget runs out.
func TestWithRetry_RetriesTransientFailures(t *testing.T) {
	inner := &fakeAdapter{
		name: "fake",
		script: func(call int) (*Stream, error) {
			if call < 3 {
				return nil, NewError(KindRateLimited, "slow down")
			}
			return completedStream("ok"), nil
		},
	}

	stream, err := WithRetry(inner, 5).Invoke(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, 3, inner.invokes)

	var text string
	for ev := range stream.Events() {
		if ev.Type == EventTextDelta {
			text += ev.Text
		}
	}
	require.Equal(t, "ok", text)
}

// TestWithRetry_PermanentFailuresSurfaceImmediately verifies non-retryable
// kinds are not reissued.
func TestWithRetry_PermanentFailuresSurfaceImmediately(t *testing.T) {
	inner := &fakeAdapter{
		name: "fake",
		script: func(call int) (*Stream, error) {
			return nil, NewError(KindAuthenticationFailed, "bad key")
		},
	}

	_, err := WithRetry(inner, 5).Invoke(context.Background(), &Request{})
	require.Error(t, err)
	require.Equal(t, KindAuthenticationFailed, KindOf(err))
	require.Equal(t, 1, inner.invokes)
}

// TestWithRetry_BudgetExhausted verifies the retry budget bounds the number
// of attempts.
func TestWithRetry_BudgetExhausted(t *testing.T) {
	inner := &fakeAdapter{
		name: "fake",
		script: func(call int) (*Stream, error) {
			return nil, NewError(KindProviderUnavailable, "down")
		},
	}

	_, err := WithRetry(inner, 2).Invoke(context.Background(), &Request{})
	require.Error(t, err)
	require.Equal(t, 3, inner.invokes) // initial call plus two retries
}

// TestRetryAfterBackOff_HonorsProviderWait verifies a rate-limit error
// carrying a provider-suggested wait stretches the next interval, and a
// shorter suggestion never shrinks it.
func TestRetryAfterBackOff_HonorsProviderWait(t *testing.T) {
	var lastErr error
	policy := &retryAfterBackOff{
		BackOff: backoff.NewConstantBackOff(10 * time.Millisecond),
		lastErr: &lastErr,
	}

	require.Equal(t, 10*time.Millisecond, policy.NextBackOff())

	le := NewError(KindRateLimited, "slow down")
	le.RetryAfter = 2 * time.Second
	lastErr = le
	require.Equal(t, 2*time.Second, policy.NextBackOff())

	le.RetryAfter = time.Millisecond
	require.Equal(t, 10*time.Millisecond, policy.NextBackOff())
}

// TestWithRetry_WrappedErrorsUnwrap verifies callers can still classify the
// error after the wrapper gives up.
func TestWithRetry_WrappedErrorsUnwrap(t *testing.T) {
	inner := &fakeAdapter{
		name: "fake",
		script: func(call int) (*Stream, error) {
			return nil, NewError(KindRateLimited, "slow down")
		},
	}

	_, err := WithRetry(inner, 0).Invoke(context.Background(), &Request{})
	var le *Error
	require.True(t, errors.As(err, &le))
	require.Equal(t, KindRateLimited, le.Kind)
}
