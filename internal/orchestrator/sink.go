package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/pkg/metrics"
)

// turnSink bridges the tool loop to the outside world: provider deltas
// become outbound events, completed nodes become store appends. It tracks
// the attachment cursor so consecutive nodes chain correctly.
type turnSink struct {
	orchestrator *Orchestrator
	turn         *Turn
	ctx          context.Context
	conversation *model.Conversation
	model        string

	parentID   string
	supersedes string
	persisted  int
}

func (s *turnSink) TextDelta(text string) {
	s.turn.emit(model.OutboundEvent{Type: model.EventTextDelta, Text: text})
}

func (s *turnSink) ToolCallRequested(call llm.ToolCall) {
	s.turn.emit(model.OutboundEvent{
		Type:       model.EventToolCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolArgs:   call.Arguments,
	})
}

func (s *turnSink) ToolCallFinished(call llm.ToolCall, result json.RawMessage, isError bool) {
	s.turn.emit(model.OutboundEvent{
		Type:       model.EventToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolResult: result,
		ToolIsErr:  isError,
	})
}

func (s *turnSink) Warning(warning string) {
	s.turn.emit(model.OutboundEvent{Type: model.EventWarning, Warning: warning})
}

func (s *turnSink) AssistantMessage(msg *model.Message) error {
	msg.Model = &s.model
	now := time.Now()
	msg.StreamEnded = &now
	return s.persist(msg)
}

func (s *turnSink) ToolMessage(msg *model.Message) error {
	return s.persist(msg)
}

// persist appends the node at the cursor, advances the cursor, repoints
// the active leaf, and applies supersession on the first node of a
// regeneration.
func (s *turnSink) persist(msg *model.Message) error {
	msg.ConversationID = s.conversation.ID
	msg.TenantID = s.conversation.TenantID
	msg.ParentID = s.parentID

	id, err := s.orchestrator.store.AppendMessage(s.ctx, msg)
	if err != nil {
		return err
	}
	s.parentID = id
	metrics.MessagesTotal.WithLabelValues(msg.TenantID, string(msg.Role)).Inc()

	if err := s.orchestrator.store.SetActiveLeaf(s.ctx, s.conversation.ID, id); err != nil {
		return err
	}

	if s.persisted == 0 && s.supersedes != "" {
		if err := s.orchestrator.store.SetSuperseded(s.ctx, s.supersedes, id); err != nil {
			s.orchestrator.logger.Warn("failed to record supersession",
				zap.String("superseded", s.supersedes),
				zap.String("by", id),
				zap.Error(err),
			)
		}
		s.turn.emit(model.OutboundEvent{Type: model.EventBranchCreated, MessageID: id})
	}
	s.persisted++

	s.turn.emit(model.OutboundEvent{Type: model.EventPersisted, MessageID: id})
	return nil
}
