package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/middleware"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/orchestrator"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
	"github.com/branchline-ai/conversation-engine/pkg/metrics"
)

// heartbeatInterval paces SSE keep-alives between turn events.
const heartbeatInterval = 30 * time.Second

// TurnHandler handles the turn lifecycle: starting a turn, regenerating a
// message, and cancelling an in-flight turn. Responses stream over SSE.
type TurnHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *logger.Logger

	mu     sync.Mutex
	active map[string]*orchestrator.Turn
}

// NewTurnHandler creates a new turn handler.
func NewTurnHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *TurnHandler {
	return &TurnHandler{
		orchestrator: orch,
		logger:       log,
		active:       make(map[string]*orchestrator.Turn),
	}
}

// Send handles POST /api/v1/conversations/:id/turns
// The request body carries the user's content; the response streams the
// turn's event sequence over SSE.
func (h *TurnHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parts := req.NormalizedParts()
	if err := middleware.ValidateParts(parts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.orchestrator.SendTurn(ctx, tenantID, conversationID, parts, orchestrator.Selection{
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		writeStoreError(w, err, "conversation not found")
		return
	}

	h.streamTurn(w, r, turn)
}

// Regenerate handles POST /api/v1/conversations/:id/messages/:messageId/regenerate
// A new sibling branch is generated under the same parent; the superseded
// message stays in the tree.
func (h *TurnHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageId")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendTurnRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	turn, err := h.orchestrator.Regenerate(ctx, tenantID, conversationID, messageID, orchestrator.Selection{
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		writeStoreError(w, err, "message not found")
		return
	}

	h.streamTurn(w, r, turn)
}

// Cancel handles POST /api/v1/turns/:turnId/cancel
// Cancellation is best effort and idempotent; content streamed so far is
// persisted as an incomplete message.
func (h *TurnHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnId")

	h.mu.Lock()
	turn, ok := h.active[turnID]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "turn not found or already finished")
		return
	}

	turn.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"turn_id": turnID,
		"status":  "cancelling",
	})
}

// streamTurn drains a turn onto the response as SSE, interleaving
// heartbeats. It returns when the turn reaches a terminal event or the
// client disconnects (which cancels the turn).
func (h *TurnHandler) streamTurn(w http.ResponseWriter, r *http.Request, turn *orchestrator.Turn) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		turn.Cancel()
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	h.register(turn)
	defer h.deregister(turn)

	sendSSEEvent(w, flusher, "turn_started", map[string]string{
		"turn_id":         turn.ID,
		"conversation_id": turn.ConversationID,
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the turn persists what it has.
			turn.Cancel()
			h.logger.Info("SSE client disconnected",
				zap.String("turn_id", turn.ID),
				zap.String("conversation_id", turn.ConversationID),
			)
			return

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})

		case ev, open := <-turn.Events():
			if !open {
				return
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)
		}
	}
}

func (h *TurnHandler) register(turn *orchestrator.Turn) {
	h.mu.Lock()
	h.active[turn.ID] = turn
	h.mu.Unlock()
}

func (h *TurnHandler) deregister(turn *orchestrator.Turn) {
	h.mu.Lock()
	delete(h.active, turn.ID)
	h.mu.Unlock()
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
