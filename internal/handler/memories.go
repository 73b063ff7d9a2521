package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/memory"
	"github.com/aperture-ai/assistant-gateway/internal/middleware"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// MemoryHandler exposes the user's long-term memories for inspection and
// removal.
type MemoryHandler struct {
	client *memory.Client
	logger *logger.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(client *memory.Client, log *logger.Logger) *MemoryHandler {
	return &MemoryHandler{
		client: client,
		logger: log,
	}
}

type searchMemoriesRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Search handles POST /api/v1/memories/search
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req searchMemoriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	memories, err := h.client.Search(r.Context(), req.Query, userID, limit)
	if err != nil {
		h.logger.Error("failed to search memories",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "memory service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"memories": memories,
		"total":    len(memories),
	})
}

// List handles GET /api/v1/memories
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	memories, err := h.client.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list memories",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "memory service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"memories": memories,
		"total":    len(memories),
	})
}

// Delete handles DELETE /api/v1/memories/:id
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "id")
	if memoryID == "" {
		writeError(w, http.StatusBadRequest, "memory ID is required")
		return
	}

	if err := h.client.Delete(r.Context(), memoryID); err != nil {
		h.logger.Error("failed to delete memory",
			zap.String("memory_id", memoryID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "memory service unavailable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
