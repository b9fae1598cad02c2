package llm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// EventType identifies the kind of a provider response event.
type EventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolCall signals the model requested a tool invocation. It is
	// emitted only once per call, with complete arguments.
	EventToolCall EventType = "tool_call"
	// EventCompleted terminates a successful response sequence.
	EventCompleted EventType = "completed"
	// EventFailed terminates a failed response sequence.
	EventFailed EventType = "failed"
)

// ToolCall is a fully assembled tool invocation request from the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Event is one element of a provider response sequence. TextDelta ordering
// is significant; consumers reconstruct the response text by concatenation.
type Event struct {
	Type EventType

	// EventTextDelta
	Text string

	// EventToolCall
	ToolCall *ToolCall

	// EventCompleted
	FinishReason string
	Usage        *model.Usage

	// EventFailed
	Err *Error
}

// Stream is a finite, non-restartable sequence of provider response events,
// consumed by exactly one consumer. Both streaming and batch providers
// satisfy the same contract: batch responses arrive as a short burst of
// events immediately followed by Completed.
type Stream struct {
	ch     chan Event
	cancel context.CancelFunc
	once   sync.Once
}

// NewStream creates a stream for a producer. cancel is invoked once on the
// first Cancel call and must abort the underlying provider request.
func NewStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		ch:     make(chan Event, 16),
		cancel: cancel,
	}
}

// Events returns the event channel. It is closed after the terminal event
// (Completed or Failed) or once cancellation stops production.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Cancel requests best-effort abortion of the underlying provider call.
// Already-emitted events remain valid; no further events are produced
// beyond those already buffered. Safe to call multiple times.
func (s *Stream) Cancel() {
	s.once.Do(s.cancel)
}

// Emit delivers an event unless production has been cancelled. Returns
// false when the producer should stop. Producer side only.
func (s *Stream) Emit(ctx context.Context, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the sequence. Must be called exactly once by the producer.
func (s *Stream) Close() {
	close(s.ch)
}
