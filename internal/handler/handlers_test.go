package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/assistant-gateway/internal/chat"
	"github.com/aperture-ai/assistant-gateway/internal/llm"
	"github.com/aperture-ai/assistant-gateway/internal/middleware"
	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// stubLLM answers every streamed completion with fixed deltas.
type stubLLM struct {
	deltas []string
}

func (s *stubLLM) Name() string     { return "stub" }
func (s *stubLLM) Models() []string { return nil }

func (s *stubLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: strings.Join(s.deltas, "")}, nil
}

func (s *stubLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	for i, d := range s.deltas {
		if err := callback(d, i); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{Content: strings.Join(s.deltas, "")}, nil
}

// asUser injects an authenticated user the way the auth middleware would.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(deltas ...string) (*chi.Mux, *chat.Manager) {
	log := logger.NewNop()
	manager := chat.NewManager(chat.Collaborators{
		Store:  chat.NewStore(),
		LLM:    &stubLLM{deltas: deltas},
		Logger: log,
	}, chat.Options{})

	conversations := NewConversationHandler(manager, log)
	messages := NewMessageHandler(manager, nil, nil, log)

	r := chi.NewRouter()
	r.Use(asUser("user-1"))
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", messages.SendNew)
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversations.Create)
			r.Get("/", conversations.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversations.Get)
				r.Put("/", conversations.Update)
				r.Delete("/", conversations.Delete)
				r.Get("/messages", messages.List)
				r.Post("/messages", messages.Send)
				r.Put("/messages/{messageID}", messages.Edit)
				r.Post("/stop", messages.Stop)
			})
		})
	})
	return r, manager
}

func doJSON(t *testing.T, r http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestConversationCRUD(t *testing.T) {
	r, _ := newTestRouter()

	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations", `{"title":"planning"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "planning", conv.Title)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPut, "/api/v1/conversations/"+conv.ID, `{"title":"renamed","pinned":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "renamed", updated.Title)
	assert.True(t, updated.Pinned)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = doJSON(t, r, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationValidation(t *testing.T) {
	r, _ := newTestRouter()

	rec := doJSON(t, r, http.MethodGet, "/api/v1/conversations/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/conversations", "{bad json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	longTitle := strings.Repeat("t", 300)
	rec = doJSON(t, r, http.MethodPost, "/api/v1/conversations", `{"title":"`+longTitle+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendStreamsSSE(t *testing.T) {
	r, _ := newTestRouter("Hel", "lo")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	rec = doJSON(t, r, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", `{"content":"hi there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, `"token":"Hel"`)
	assert.Contains(t, body, "event: user_message")
	assert.Contains(t, body, "event: message_complete")
	assert.Contains(t, body, `"content":"Hello"`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"success":true`)
}

func TestSendNewCreatesConversation(t *testing.T) {
	r, manager := newTestRouter("ok")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/messages", `{"content":"start a new chat"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: message_complete")

	list := manager.Store().List("user-1", 10, 0)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "start a new chat", list.Conversations[0].Title)
}

func TestSendToMissingConversation(t *testing.T) {
	r, _ := newTestRouter("ok")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations/00000000-0000-0000-0000-000000000000/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditUnchangedContentRejected(t *testing.T) {
	r, manager := newTestRouter("reply")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/messages", `{"content":"original"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	list := manager.Store().List("user-1", 1, 0)
	require.Equal(t, 1, list.Total)
	convID := list.Conversations[0].ID

	ctrl, err := manager.For("user-1", convID)
	require.NoError(t, err)
	messageID := ctrl.Conversation().Messages[0].ID

	rec = doJSON(t, r, http.MethodPut, "/api/v1/conversations/"+convID+"/messages/"+messageID, `{"content":"original"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessagesSnapshot(t *testing.T) {
	r, manager := newTestRouter("answer")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/messages", `{"content":"question"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	convID := manager.Store().List("user-1", 1, 0).Conversations[0].ID
	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.False(t, resp.StreamActive)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/conversations/"+convID+"/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
