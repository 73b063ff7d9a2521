package handler

import (
	"net/http"

	"github.com/aperture-ai/assistant-gateway/internal/budget"
)

// ModelsHandler lists the models the gateway can budget for.
type ModelsHandler struct{}

// NewModelsHandler creates a new models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// List handles GET /api/v1/models
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  budget.Models(),
		"default": budget.DefaultModel,
	})
}
