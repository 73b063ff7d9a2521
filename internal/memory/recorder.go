package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
	"github.com/aperture-ai/assistant-gateway/pkg/metrics"
)

// StoreResult is the typed outcome of a best-effort store attempt.
type StoreResult int

const (
	// StoreSkipped means the content was not retained: too short, no
	// extractable fact, or the service call failed (logged, swallowed).
	StoreSkipped StoreResult = iota

	// StoreOK means a fact was extracted and persisted.
	StoreOK
)

// minRetainLength filters out messages too short to carry a fact.
const minRetainLength = 10

// minInsightLength filters assistant replies considered for insights.
const minInsightLength = 100

// Recorder decides what conversation content is worth retaining and pushes
// it to the memory service. All operations are best-effort.
type Recorder struct {
	client *Client
	logger *logger.Logger
}

// NewRecorder creates a memory recorder.
func NewRecorder(client *Client, log *logger.Logger) *Recorder {
	return &Recorder{client: client, logger: log}
}

// ProcessAndStore extracts a retainable fact from one message and stores
// it. Service failures are logged and reported as StoreSkipped.
func (r *Recorder) ProcessAndStore(ctx context.Context, content string, role model.Role, userID, sessionID string) StoreResult {
	if len(content) < minRetainLength {
		return r.skipped()
	}

	var fact string
	var ok bool
	switch role {
	case model.RoleUser:
		fact, ok = ExtractUserContext(content)
	case model.RoleAssistant:
		if len(content) > minInsightLength {
			fact, ok = ExtractInsight(content)
		}
	}
	if !ok {
		return r.skipped()
	}

	preview := content
	if len(preview) > 200 {
		preview = preview[:200]
	}

	err := r.client.Add(ctx, fact, userID, sessionID, map[string]any{
		"message_type":     string(role),
		"original_content": preview,
	})
	if err != nil {
		r.logger.Warn("memory store failed", zap.Error(err), zap.String("user_id", userID))
		return r.skipped()
	}

	metrics.MemoryStoreTotal.WithLabelValues("ok").Inc()
	return StoreOK
}

func (r *Recorder) skipped() StoreResult {
	metrics.MemoryStoreTotal.WithLabelValues("skipped").Inc()
	return StoreSkipped
}

// RecordTurn submits a completed (user, assistant) exchange. Attachment
// counts are annotated so the memory reflects that files were shared.
func (r *Recorder) RecordTurn(ctx context.Context, user, assistant model.Message, userID, conversationID string) {
	userContent := user.Content
	if n := len(user.Attachments); n > 0 {
		names := make([]string, n)
		for i, a := range user.Attachments {
			names[i] = a.Name
		}
		userContent += fmt.Sprintf(" [Shared %d files: %s]", n, strings.Join(names, ", "))
	}
	r.ProcessAndStore(ctx, userContent, model.RoleUser, userID, conversationID)

	assistantContent := assistant.Content
	if n := len(user.Attachments); n > 0 {
		assistantContent += fmt.Sprintf(" [Responded to message with %d files]", n)
	}
	r.ProcessAndStore(ctx, assistantContent, model.RoleAssistant, userID, conversationID)
}

// RelevantMemories returns memory snippets for prompt context. Failures
// are logged and yield an empty result.
func (r *Recorder) RelevantMemories(ctx context.Context, query, userID string, limit int) []string {
	memories, err := r.client.Search(ctx, query, userID, limit)
	if err != nil {
		r.logger.Warn("memory retrieval failed", zap.Error(err), zap.String("user_id", userID))
		return nil
	}

	out := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.Memory != "" {
			out = append(out, m.Memory)
		}
	}
	return out
}
