package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
)

// MemoryStore is the in-memory store implementation. Records live in
// mutex-guarded maps (a database would replace this in production); every
// append is mirrored to the journal when one is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	rootByConv    map[string]string

	journal Journal
	logger  *logger.Logger
}

// NewMemoryStore creates an in-memory store. journal may be nil.
func NewMemoryStore(journal Journal, log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		rootByConv:    make(map[string]string),
		journal:       journal,
		logger:        log,
	}
}

// CreateConversation creates a new conversation.
func (s *MemoryStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	now := time.Now()
	if conv.ID == "" {
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	clone := *conv
	s.conversations[conv.ID] = &clone
	return nil
}

// GetConversation retrieves a conversation by id, scoped to a tenant.
func (s *MemoryStore) GetConversation(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok || conv.Deleted || conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

// ListConversations retrieves conversations for a tenant.
func (s *MemoryStore) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.TenantID == tenantID && !conv.Deleted {
			convs = append(convs, *conv)
		}
	}

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return convs[start:end], total, nil
}

// UpdateConversation updates conversation metadata.
func (s *MemoryStore) UpdateConversation(ctx context.Context, tenantID, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.Deleted || conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if req.Title != "" {
		conv.Title = req.Title
	}
	if req.Metadata != nil {
		conv.Metadata = req.Metadata
	}
	conv.UpdatedAt = time.Now()
	clone := *conv
	return &clone, nil
}

// DeleteConversation soft deletes a conversation.
func (s *MemoryStore) DeleteConversation(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return ErrNotFound
	}
	conv.Deleted = true
	conv.UpdatedAt = time.Now()
	return nil
}

// GetMessage retrieves a message by id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *msg
	return &clone, nil
}

// AncestorChain walks parent links from leaf to root, oldest first.
func (s *MemoryStore) AncestorChain(ctx context.Context, leafID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reversed []model.Message
	seen := make(map[string]bool)
	id := leafID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("message %s: parent chain contains a cycle", leafID)
		}
		seen[id] = true

		msg, ok := s.messages[id]
		if !ok {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		reversed = append(reversed, *msg)
		id = msg.ParentID
	}

	chain := make([]model.Message, len(reversed))
	for i, msg := range reversed {
		chain[len(reversed)-1-i] = msg
	}
	return chain, nil
}

// AppendMessage persists a new tree node and returns its id.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *model.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.ParentID == "" {
		if root, ok := s.rootByConv[msg.ConversationID]; ok {
			s.mu.Unlock()
			return "", fmt.Errorf("conversation %s already has root %s: %w", msg.ConversationID, root, ErrInvalidParent)
		}
		s.rootByConv[msg.ConversationID] = msg.ID
	} else {
		parent, ok := s.messages[msg.ParentID]
		if !ok || parent.ConversationID != msg.ConversationID {
			s.mu.Unlock()
			return "", fmt.Errorf("parent %s: %w", msg.ParentID, ErrInvalidParent)
		}
	}

	clone := *msg
	s.messages[msg.ID] = &clone
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.MessageCount++
		conv.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.RecordMessage(ctx, msg); err != nil {
			s.logger.Warn("failed to journal message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return msg.ID, nil
}

// SetActiveLeaf atomically repoints the conversation's active branch tip.
func (s *MemoryStore) SetActiveLeaf(ctx context.Context, conversationID, leafID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	leaf, ok := s.messages[leafID]
	if !ok || leaf.ConversationID != conversationID {
		return ErrNotFound
	}
	conv.ActiveLeafID = leafID
	conv.UpdatedAt = time.Now()
	return nil
}

// SetSuperseded records the regeneration relation between two siblings.
func (s *MemoryStore) SetSuperseded(ctx context.Context, messageID, byID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.messages[byID]; !ok {
		return ErrNotFound
	}
	msg.SupersededBy = byID
	return nil
}
