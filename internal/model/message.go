// Package model defines data structures for the conversation engine.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind identifies the type of a content part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// ContentPart is one element of a message's normalized content. Exactly the
// fields for its Kind are populated; the rest stay zero.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// Kind == PartText
	Text string `json:"text,omitempty"`

	// Kind == PartImage
	ImageURL string `json:"image_url,omitempty"`

	// Kind == PartToolCall / PartToolResult. ToolCallID links a result back
	// to the call that produced it.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message represents one node of a conversation tree. Messages are immutable
// once persisted; branching is expressed through ParentID, never by editing.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id,omitempty"`

	// Tree position. Empty ParentID marks the conversation root.
	ParentID string `json:"parent_id,omitempty"`

	// Content
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`

	// LLM metadata (nullable for non-assistant messages)
	Model      *string `json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	// Incomplete marks a message whose generation was cancelled or failed
	// mid-stream; the persisted parts hold everything received so far.
	Incomplete bool `json:"incomplete,omitempty"`

	// SupersededBy points at the sibling that replaced this message as the
	// active branch tip after a regeneration. History is never deleted.
	SupersededBy string `json:"superseded_by,omitempty"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`
}

// IsRoot reports whether the message is the root of its conversation tree.
func (m *Message) IsRoot() bool {
	return m.ParentID == ""
}

// Text returns the concatenation of all text parts, in order.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasKind reports whether any content part has the given kind.
func (m *Message) HasKind(kind PartKind) bool {
	for _, p := range m.Parts {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// TextMessage builds a message holding a single text part.
func TextMessage(role Role, text string) *Message {
	return &Message{
		Role:  role,
		Parts: []ContentPart{{Kind: PartText, Text: text}},
	}
}

// SendTurnRequest is the request to start a new turn on a conversation.
type SendTurnRequest struct {
	Parts    []ContentPart `json:"parts,omitempty"`
	Content  string        `json:"content,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
}

// NormalizedParts returns Parts, or a single text part built from Content
// when the caller used the plain-text shorthand.
func (r *SendTurnRequest) NormalizedParts() []ContentPart {
	if len(r.Parts) > 0 {
		return r.Parts
	}
	return []ContentPart{{Kind: PartText, Text: r.Content}}
}

// ListMessagesResponse is the response for listing the active branch.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	ActiveLeafID string    `json:"active_leaf_id,omitempty"`
}
