package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/middleware"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/store"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
)

// testRouter builds the conversation routes with an authenticated tenant
// injected, bypassing JWT verification.
func testRouter(st store.Store, tenantID string) http.Handler {
	convHandler := NewConversationHandler(st, logger.NewNop())
	msgHandler := NewMessageHandler(st, logger.NewNop())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := context.WithValue(req.Context(), middleware.TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, middleware.UserIDKey, "user-1")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", convHandler.Create)
		r.Get("/", convHandler.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", convHandler.Get)
			r.Put("/active-leaf", convHandler.SwitchBranch)
			r.Get("/messages", msgHandler.List)
		})
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestCreateConversation_WithSystemPrompt verifies the system prompt
// becomes the root message and the active leaf points at it.
func TestCreateConversation_WithSystemPrompt(t *testing.T) {
	st := store.NewMemoryStore(nil, logger.NewNop())
	h := testRouter(st, "tenant-1")

	rec := doJSON(t, h, http.MethodPost, "/conversations", model.CreateConversationRequest{
		Title:        "weather chat",
		SystemPrompt: "you are a weather assistant",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	require.NotEmpty(t, conv.ID)
	require.NotEmpty(t, conv.ActiveLeafID)

	root, err := st.GetMessage(context.Background(), conv.ActiveLeafID)
	require.NoError(t, err)
	require.Equal(t, model.RoleSystem, root.Role)
	require.Equal(t, "you are a weather assistant", root.Text())
}

// TestGetConversation_TenantIsolation verifies another tenant's router
// cannot read the conversation.
func TestGetConversation_TenantIsolation(t *testing.T) {
	st := store.NewMemoryStore(nil, logger.NewNop())

	rec := doJSON(t, testRouter(st, "tenant-1"), http.MethodPost, "/conversations",
		model.CreateConversationRequest{Title: "private"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	rec = doJSON(t, testRouter(st, "tenant-2"), http.MethodGet, "/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, testRouter(st, "tenant-1"), http.MethodGet, "/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestListMessages_ActiveBranchOnly verifies the listing follows the active
// leaf and switching branches changes what comes back.
func TestListMessages_ActiveBranchOnly(t *testing.T) {
	st := store.NewMemoryStore(nil, logger.NewNop())
	h := testRouter(st, "tenant-1")
	ctx := context.Background()

	conv := &model.Conversation{TenantID: "tenant-1", UserID: "user-1", Title: "branchy"}
	require.NoError(t, st.CreateConversation(ctx, conv))

	user := model.TextMessage(model.RoleUser, "question")
	user.ConversationID = conv.ID
	user.TenantID = "tenant-1"
	userID, err := st.AppendMessage(ctx, user)
	require.NoError(t, err)

	appendAnswer := func(text string) string {
		msg := model.TextMessage(model.RoleAssistant, text)
		msg.ConversationID = conv.ID
		msg.TenantID = "tenant-1"
		msg.ParentID = userID
		id, err := st.AppendMessage(ctx, msg)
		require.NoError(t, err)
		return id
	}
	first := appendAnswer("first answer")
	second := appendAnswer("second answer")
	require.NoError(t, st.SetActiveLeaf(ctx, conv.ID, second))

	rec := doJSON(t, h, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "second answer", resp.Messages[1].Text())

	// Switch back to the first branch.
	rec = doJSON(t, h, http.MethodPut, "/conversations/"+conv.ID+"/active-leaf",
		map[string]string{"leaf_id": first})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "first answer", resp.Messages[1].Text())
}

// TestCreateConversation_RejectsOversizedTitle verifies title validation.
func TestCreateConversation_RejectsOversizedTitle(t *testing.T) {
	st := store.NewMemoryStore(nil, logger.NewNop())
	h := testRouter(st, "tenant-1")

	longTitle := make([]byte, 300)
	for i := range longTitle {
		longTitle[i] = 't'
	}
	rec := doJSON(t, h, http.MethodPost, "/conversations",
		model.CreateConversationRequest{Title: string(longTitle)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
