// Package store provides the persistence adapter for conversations and
// their message trees.
package store

import (
	"context"
	"errors"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidParent is returned when an append references a missing parent
// or would create a second root.
var ErrInvalidParent = errors.New("invalid parent")

// Journal mirrors persisted records to a durable log. Journal failures are
// reported to the caller's logger, never to the user; the store remains the
// source of truth for reads.
type Journal interface {
	RecordMessage(ctx context.Context, msg *model.Message) error
	RecordEvent(ctx context.Context, conversationID string, ev *model.OutboundEvent) error
}

// Store is the message store adapter. Implementations must support
// concurrent appends from independent turns; messages are immutable once
// appended, only conversation metadata and the supersession relation change.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, tenantID, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Conversation, int, error)
	UpdateConversation(ctx context.Context, tenantID, id string, req *model.UpdateConversationRequest) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, tenantID, id string) error

	// Messages
	GetMessage(ctx context.Context, id string) (*model.Message, error)

	// AncestorChain walks parent links from leaf to root and returns the
	// chain oldest first. It fails on a broken link or a cycle.
	AncestorChain(ctx context.Context, leafID string) ([]model.Message, error)

	// AppendMessage persists a new tree node and returns its id. An empty
	// msg.ID is assigned; msg.ParentID must name an existing message of the
	// same conversation, or be empty for the first (root) message.
	AppendMessage(ctx context.Context, msg *model.Message) (string, error)

	// SetActiveLeaf atomically repoints the conversation's active branch
	// tip. Last writer wins.
	SetActiveLeaf(ctx context.Context, conversationID, leafID string) error

	// SetSuperseded records that a regeneration replaced messageID with
	// byID as the active sibling.
	SetSuperseded(ctx context.Context, messageID, byID string) error
}
