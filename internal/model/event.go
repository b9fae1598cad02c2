package model

import (
	"encoding/json"
	"time"
)

// OutboundEventType identifies the type of an event streamed to the caller
// during a turn.
type OutboundEventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta OutboundEventType = "text_delta"
	// EventToolCall signals that the model requested a tool invocation.
	EventToolCall OutboundEventType = "tool_call"
	// EventToolResult signals that a tool invocation finished.
	EventToolResult OutboundEventType = "tool_result"
	// EventBranchCreated signals that a new branch node was started.
	EventBranchCreated OutboundEventType = "branch_created"
	// EventPersisted signals that a message was durably stored.
	EventPersisted OutboundEventType = "persisted"
	// EventWarning carries a non-fatal orchestration warning (context
	// trimming, loop ceiling, turn timeout).
	EventWarning OutboundEventType = "warning"
	// EventCompleted signals normal end of the turn.
	EventCompleted OutboundEventType = "completed"
	// EventFailed signals terminal failure of the turn.
	EventFailed OutboundEventType = "failed"
)

// Usage reports token accounting for a provider call.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// OutboundEvent is one element of the event stream a turn produces. It
// mirrors the provider event stream plus orchestration-level events.
type OutboundEvent struct {
	Type OutboundEventType `json:"type"`

	// EventTextDelta
	Text string `json:"text,omitempty"`

	// EventToolCall / EventToolResult
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	ToolIsErr  bool            `json:"tool_is_error,omitempty"`

	// EventBranchCreated / EventPersisted
	MessageID string `json:"message_id,omitempty"`

	// EventWarning
	Warning string `json:"warning,omitempty"`

	// EventCompleted
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// EventFailed
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HeartbeatEvent keeps an SSE connection alive between outbound events.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
