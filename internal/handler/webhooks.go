package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/webhook"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// WebhookHandler manages the registered delivery endpoint.
type WebhookHandler struct {
	registry *webhook.Registry
	logger   *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(registry *webhook.Registry, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		logger:   log,
	}
}

type registerWebhookRequest struct {
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

// Register handles POST /api/v1/webhooks
func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	parsed, err := url.Parse(req.Endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "endpoint must be an absolute http(s) URL")
		return
	}

	h.registry.Register(webhook.Config{
		Endpoint: req.Endpoint,
		Secret:   req.Secret,
	})
	h.logger.Info("webhook registered", zap.String("endpoint", req.Endpoint))

	writeJSON(w, http.StatusCreated, map[string]any{
		"endpoint": req.Endpoint,
		"signed":   req.Secret != "",
	})
}

// Get handles GET /api/v1/webhooks
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	endpoint := h.registry.Endpoint()
	if endpoint == "" {
		writeError(w, http.StatusNotFound, "no webhook registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"endpoint": endpoint})
}

// Unregister handles DELETE /api/v1/webhooks
func (h *WebhookHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	h.registry.Unregister()
	w.WriteHeader(http.StatusNoContent)
}

// Test handles POST /api/v1/webhooks/test
// Delivers a sample payload to the registered endpoint synchronously so the
// caller sees the delivery result.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	client := h.registry.Current()
	if client == nil {
		writeError(w, http.StatusNotFound, "no webhook registered")
		return
	}

	payload := webhook.Payload{
		ID:        uuid.New().String(),
		Type:      "webhook.test",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]string{"message": "test delivery"},
	}

	if err := client.Send(r.Context(), payload); err != nil {
		h.logger.Warn("webhook test delivery failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"delivered": false,
			"error":     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": true,
		"id":        payload.ID,
	})
}
