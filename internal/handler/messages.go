package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/chat"
	"github.com/aperture-ai/assistant-gateway/internal/middleware"
	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/internal/stream"
	"github.com/aperture-ai/assistant-gateway/internal/webhook"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
	"github.com/aperture-ai/assistant-gateway/pkg/metrics"
)

// Replayer reads back durable history, batched by sequence.
type Replayer interface {
	Replay(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error)
}

// MessageHandler handles message and streaming endpoints.
type MessageHandler struct {
	manager  *chat.Manager
	history  Replayer
	webhooks *webhook.Registry
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler. history and webhooks
// may be nil when those integrations are disabled.
func NewMessageHandler(manager *chat.Manager, history Replayer, webhooks *webhook.Registry, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		manager:  manager,
		history:  history,
		webhooks: webhooks,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
// Supports ?after_sequence=N to page through durable history.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, err := h.manager.For(userID, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	// Durable history serves paging; the live snapshot answers the
	// common "whole conversation" read.
	if h.history != nil && afterSequence > 0 {
		msgs, lastSeq, hasMore, err := h.history.Replay(r.Context(), userID, conversationID, afterSequence, 50)
		if err != nil {
			h.logger.Error("history replay failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to read history")
			return
		}
		writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
			Messages:     msgs,
			HasMore:      hasMore,
			LastSequence: lastSeq,
			StreamActive: ctrl.Streaming(),
		})
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages:     ctrl.Messages(),
		StreamActive: ctrl.Streaming(),
	})
}

// Send handles POST /api/v1/conversations/:id/messages
// The response is an SSE stream of token events followed by the finalized
// messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.send(w, r, userID, conversationID, &req)
}

// SendNew handles POST /api/v1/messages, creating a conversation for the
// first turn.
func (h *MessageHandler) SendNew(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.send(w, r, userID, "", &req)
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request, userID, conversationID string, req *model.SendMessageRequest) {
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, err := h.manager.For(userID, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	h.streamTurn(w, r, func(onDelta chat.DeltaFunc) (*chat.Turn, error) {
		return ctrl.Send(r.Context(), chat.SendRequest{
			Content:     req.Content,
			Attachments: req.Attachments,
			Model:       req.Model,
		}, onDelta)
	})
}

// Edit handles PUT /api/v1/conversations/:id/messages/:messageID
// A successful edit truncates the conversation after the edited message and
// streams the regenerated reply.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, err := h.manager.For(userID, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	h.streamTurn(w, r, func(onDelta chat.DeltaFunc) (*chat.Turn, error) {
		return ctrl.EditAndRegenerate(r.Context(), messageID, req.Content, onDelta)
	})
}

// Regenerate handles POST /api/v1/conversations/:id/regenerate
func (h *MessageHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, err := h.manager.For(userID, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	h.streamTurn(w, r, func(onDelta chat.DeltaFunc) (*chat.Turn, error) {
		return ctrl.RegenerateLast(r.Context(), onDelta)
	})
}

// Stop handles POST /api/v1/conversations/:id/stop
func (h *MessageHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, err := h.manager.For(userID, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	ctrl.Stop()
	w.WriteHeader(http.StatusAccepted)
}

// streamTurn runs one turn and relays it as SSE. Headers are written on the
// first event, so guard failures before any delta still produce a clean
// JSON error status.
func (h *MessageHandler) streamTurn(w http.ResponseWriter, r *http.Request, run func(chat.DeltaFunc) (*chat.Turn, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	begin := func() {
		if !started {
			started = true
			writeSSEHeaders(w)
			metrics.SSEConnectionsActive.Inc()
		}
	}
	defer func() {
		if started {
			metrics.SSEConnectionsActive.Dec()
		}
	}()

	turn, err := run(func(token string, index int) {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		begin()
		sendSSEEvent(w, flusher, "token", &model.TokenEvent{Token: token, Index: index})
	})
	if err != nil {
		if !started {
			writeError(w, statusFor(err), err.Error())
			return
		}
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "stream_error",
			Message: err.Error(),
		})
		return
	}

	begin()
	if turn.User != nil {
		sendSSEEvent(w, flusher, "user_message", turn.User)
	}

	switch turn.Outcome {
	case stream.OutcomeCancelled:
		sendSSEEvent(w, flusher, "cancelled", map[string]bool{"cancelled": true})

	default:
		if turn.Assistant != nil {
			sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{
				Message:  *turn.Assistant,
				Sequence: turn.Assistant.Sequence,
			})
			h.notifyCompleted(turn.Assistant)
		}
	}

	sendSSEEvent(w, flusher, "done", map[string]bool{
		"success": turn.Outcome == stream.OutcomeCompleted,
	})
}

// notifyCompleted delivers a webhook for a finalized assistant message.
// Delivery is best-effort and never blocks the response.
func (h *MessageHandler) notifyCompleted(msg *model.Message) {
	if h.webhooks == nil {
		return
	}
	client := h.webhooks.Current()
	if client == nil {
		return
	}

	payload := webhook.Payload{
		ID:        uuid.New().String(),
		Type:      "message.completed",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      msg,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Send(ctx, payload); err != nil {
			h.logger.Warn("webhook delivery failed",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}()
}
