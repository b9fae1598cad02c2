package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/middleware"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/store"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	store  store.Store
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(st store.Store, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		store:  st,
		logger: log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
// It returns the active branch, root first. Sibling branches stay reachable
// through their own leaf ids via the active-leaf endpoint.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		writeStoreError(w, err, "conversation not found")
		return
	}

	resp := &model.ListMessagesResponse{
		Messages:     []model.Message{},
		ActiveLeafID: conv.ActiveLeafID,
	}
	if conv.ActiveLeafID != "" {
		chain, err := h.store.AncestorChain(ctx, conv.ActiveLeafID)
		if err != nil {
			h.logger.Error("failed to walk active branch",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to get messages")
			return
		}
		resp.Messages = chain
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/:id/messages/:messageId
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageId")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.GetConversation(ctx, tenantID, conversationID); err != nil {
		writeStoreError(w, err, "conversation not found")
		return
	}

	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil || msg.ConversationID != conversationID {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}
