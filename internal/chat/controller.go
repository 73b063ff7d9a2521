package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/budget"
	"github.com/aperture-ai/assistant-gateway/internal/files"
	"github.com/aperture-ai/assistant-gateway/internal/llm"
	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/internal/stream"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
	"github.com/aperture-ai/assistant-gateway/pkg/metrics"
)

// BaseSystemPrompt seeds every completion request's system instruction.
const BaseSystemPrompt = "You are a helpful AI assistant. Be concise, accurate, and friendly."

// ErrorReplyContent is the assistant message recorded in place of a reply
// when generation fails. It is a normal durable message so the transcript
// stays coherent.
const ErrorReplyContent = "I'm sorry, I ran into a problem while generating a response. Please try again."

// DefaultTitle is used when a conversation's first message has no text to
// derive a title from.
const DefaultTitle = "New Chat"

const (
	titleMaxChars      = 50
	defaultTemperature = 0.7
	defaultMaxOutput   = 2048
	memoryLimit        = 5
	recordTimeout      = 15 * time.Second
)

var (
	// ErrStreamActive is returned when a mutation arrives while a response
	// is still being generated.
	ErrStreamActive = errors.New("a response is currently being generated")

	// ErrNotUserMessage is returned when editing anything but a user turn.
	ErrNotUserMessage = errors.New("only user messages can be edited")

	// ErrMessageNotFound is returned when an edit targets an unknown message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUnchanged is returned when an edit submits identical content; no
	// truncation or regeneration happens.
	ErrUnchanged = errors.New("message content unchanged")

	// ErrEmptyMessage is returned for a send with no text and no attachments.
	ErrEmptyMessage = errors.New("message has no content")

	// ErrNoConversation is returned for operations that need prior turns.
	ErrNoConversation = errors.New("conversation has no messages")
)

// MemoryService is the slice of the memory layer the controller needs.
type MemoryService interface {
	RelevantMemories(ctx context.Context, query, userID string, limit int) []string
	RecordTurn(ctx context.Context, user, assistant model.Message, userID, conversationID string)
}

// History receives durable messages and lifecycle events. Appends are
// best-effort: a history failure never fails the turn.
type History interface {
	AppendMessage(ctx context.Context, userID string, msg *model.Message) (uint64, error)
	AppendEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Extractor fetches text content for message attachments.
type Extractor interface {
	ExtractAll(ctx context.Context, attachments []model.Attachment) []files.Extract
}

// DeltaFunc receives each streamed token with its zero-based index.
type DeltaFunc func(token string, index int)

// EventFunc observes conversation lifecycle changes.
type EventFunc func(event *model.ConversationEvent)

// Turn is the outcome of a send or regeneration.
type Turn struct {
	User      *model.Message
	Assistant *model.Message
	Outcome   stream.Outcome
	Decision  budget.Decision
}

// SendRequest describes a new user turn.
type SendRequest struct {
	Content     string
	Attachments []model.Attachment
	Model       string
}

// Options tunes a controller. Zero values fall back to the defaults used
// across the gateway.
type Options struct {
	Model         string
	Strategy      budget.Strategy
	PreserveLastN int
	Temperature   float64
	MaxOutput     int
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = budget.DefaultModel
	}
	if o.Strategy == "" {
		o.Strategy = budget.StrategySlidingWindow
	}
	if o.PreserveLastN == 0 {
		o.PreserveLastN = budget.DefaultPreserveLastN
	}
	if o.Temperature == 0 {
		o.Temperature = defaultTemperature
	}
	if o.MaxOutput == 0 {
		o.MaxOutput = defaultMaxOutput
	}
	return o
}

// Collaborators are the services a controller orchestrates. Memory,
// HistoryLog, and Files may be nil when the corresponding feature is
// disabled.
type Collaborators struct {
	Store      *Store
	LLM        llm.Client
	Memory     MemoryService
	HistoryLog History
	Files      Extractor
	Logger     *logger.Logger
}

// Controller serializes all mutations of one conversation. At most one
// response stream is in flight at a time; sends and edits submitted while
// streaming fail with ErrStreamActive.
type Controller struct {
	deps Collaborators
	opts Options

	mu sync.Mutex

	// busy claims the conversation for a full turn. It is set under mu
	// before any collaborator call and cleared when generate finishes, so
	// the guard and the session assignment cannot interleave.
	busy bool

	userID    string
	conv      *model.Conversation
	session   *stream.Session
	transient *model.Message
	observers []EventFunc
}

// NewController creates a controller for a user. conv may be nil; the
// conversation is then created lazily on the first send.
func NewController(userID string, conv *model.Conversation, deps Collaborators, opts Options) *Controller {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Controller{
		deps:   deps,
		opts:   opts.withDefaults(),
		userID: userID,
		conv:   conv,
	}
}

// Conversation returns the controller's conversation, nil before the
// first send.
func (c *Controller) Conversation() *model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Messages returns a snapshot of the durable transcript plus the in-flight
// transient assistant message, if any.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conv == nil {
		return nil
	}
	snapshot := make([]model.Message, len(c.conv.Messages))
	copy(snapshot, c.conv.Messages)
	if c.transient != nil {
		snapshot = append(snapshot, *c.transient)
	}
	return snapshot
}

// Streaming reports whether a turn is currently in flight.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Subscribe registers an observer for lifecycle events. The returned
// function removes it.
func (c *Controller) Subscribe(fn EventFunc) func() {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	idx := len(c.observers) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.observers[idx] = nil
		c.mu.Unlock()
	}
}

// Send appends a user turn and streams the assistant's reply, blocking
// until the stream reaches a terminal outcome. onDelta may be nil.
func (c *Controller) Send(ctx context.Context, req SendRequest, onDelta DeltaFunc) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	c.busy = true
	if c.conv == nil {
		c.conv = c.deps.Store.Create(c.userID, deriveTitle(content))
	} else if len(c.conv.Messages) == 0 && (c.conv.Title == "" || c.conv.Title == DefaultTitle) && content != "" {
		c.conv.Title = deriveTitle(content)
	}

	userMsg := c.appendLocked(&model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
		Attachments:    req.Attachments,
	})
	c.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	c.recordDurable(ctx, userMsg)

	return c.generate(ctx, userMsg, req.Model, onDelta)
}

// EditAndRegenerate replaces a user message's content, discards every later
// turn, and regenerates the assistant reply from the truncated transcript.
func (c *Controller) EditAndRegenerate(ctx context.Context, messageID, newContent string, onDelta DeltaFunc) (*Turn, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	if c.conv == nil {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}

	idx := -1
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return nil, ErrMessageNotFound
	}

	target := &c.conv.Messages[idx]
	if target.Role != model.RoleUser {
		c.mu.Unlock()
		return nil, ErrNotUserMessage
	}
	if target.Content == newContent {
		c.mu.Unlock()
		return nil, ErrUnchanged
	}

	// The first edit keeps the original text; later edits preserve it.
	if target.Meta.OriginalContent == "" {
		target.Meta.OriginalContent = target.Content
	}
	target.Content = newContent
	target.Meta.Edited = true

	c.busy = true
	removed := len(c.conv.Messages) - idx - 1
	c.conv.Messages = c.conv.Messages[:idx+1]
	userMsg := *target
	c.mu.Unlock()

	c.deps.Store.Touch(c.conv.ID)
	c.emitEvent(ctx, model.EventTypeEdit, userMsg.ID, "")
	if removed > 0 {
		c.emitEvent(ctx, model.EventTypeTruncate, userMsg.ID, fmt.Sprintf("%d messages removed", removed))
	}

	return c.generate(ctx, &userMsg, "", onDelta)
}

// RegenerateLast rolls back the trailing assistant reply, if any, and
// regenerates from the last user turn.
func (c *Controller) RegenerateLast(ctx context.Context, onDelta DeltaFunc) (*Turn, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	if c.conv == nil || len(c.conv.Messages) == 0 {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}

	last := len(c.conv.Messages) - 1
	if c.conv.Messages[last].Role == model.RoleAssistant {
		c.conv.Messages = c.conv.Messages[:last]
		last--
	}
	if last < 0 || c.conv.Messages[last].Role != model.RoleUser {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}
	c.busy = true
	userMsg := c.conv.Messages[last]
	c.mu.Unlock()

	return c.generate(ctx, &userMsg, "", onDelta)
}

// Stop cancels the in-flight stream. It is safe to call at any time,
// including when nothing is streaming.
func (c *Controller) Stop() {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil {
		session.Cancel()
	}
}

// generate runs the budgeting, dispatch, and finalization phases for the
// turn ending with userMsg.
func (c *Controller) generate(ctx context.Context, userMsg *model.Message, modelOverride string, onDelta DeltaFunc) (*Turn, error) {
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	modelID := c.opts.Model
	if modelOverride != "" {
		modelID = modelOverride
	}

	outbound, system := c.buildOutbound(ctx, userMsg)

	decision := budget.Trim(outbound, budget.Options{
		Model:         modelID,
		PreserveLastN: c.opts.PreserveLastN,
		Strategy:      c.opts.Strategy,
	})
	if decision.RemovedCount > 0 {
		metrics.RecordTrim(modelID, string(c.opts.Strategy), decision.RemovedCount)
		c.deps.Logger.Info("trimmed context before dispatch",
			zap.String("conversation_id", c.conv.ID),
			zap.String("model", modelID),
			zap.String("strategy", string(c.opts.Strategy)),
			zap.Int("removed", decision.RemovedCount),
			zap.Int("total_tokens", decision.TotalTokens),
		)
	}

	chatMessages := make([]llm.ChatMessage, 0, len(decision.Selected))
	for _, m := range decision.Selected {
		chatMessages = append(chatMessages, llm.ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	transient := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		Role:           model.RoleAssistant,
		CreatedAt:      time.Now(),
		Meta:           model.MessageMeta{Model: modelID, Streaming: true},
	}

	c.mu.Lock()
	c.transient = transient
	session := stream.Begin(ctx, c.deps.LLM, &llm.CompletionRequest{
		Model:       modelID,
		System:      system,
		Messages:    chatMessages,
		MaxTokens:   c.opts.MaxOutput,
		Temperature: c.opts.Temperature,
		Stream:      true,
	}, func(accumulated, delta string, index int) {
		c.mu.Lock()
		if c.transient != nil {
			c.transient.Content = accumulated
		}
		c.mu.Unlock()
		if onDelta != nil {
			onDelta(delta, index)
		}
	})
	c.session = session
	c.mu.Unlock()

	started := time.Now()
	<-session.Done()
	outcome := session.Outcome()

	turn := &Turn{User: userMsg, Outcome: outcome, Decision: decision}

	c.mu.Lock()
	c.session = nil
	c.transient = nil
	c.mu.Unlock()

	var tokensIn, tokensOut int

	switch outcome {
	case stream.OutcomeCompleted:
		result, _ := session.Result()
		turn.Assistant = c.finalizeAssistant(ctx, userMsg, result.Content, modelID, "")
		tokensIn, tokensOut = result.TokensIn, result.TokensOut

	case stream.OutcomeCancelled:
		c.emitEvent(ctx, model.EventTypeCancel, userMsg.ID, "")
		c.deps.Logger.Info("stream cancelled",
			zap.String("conversation_id", c.conv.ID),
			zap.Int("partial_chars", len(session.Text())),
		)

	case stream.OutcomeFailed:
		_, streamErr := session.Result()
		c.deps.Logger.Error("stream failed, recording fallback reply",
			zap.String("conversation_id", c.conv.ID),
			zap.String("model", modelID),
			zap.Error(streamErr),
		)
		c.emitEvent(ctx, model.EventTypeError, userMsg.ID, streamErr.Error())
		turn.Assistant = c.finalizeAssistant(ctx, userMsg, ErrorReplyContent, modelID, streamErr.Error())
	}

	metrics.RecordStream(modelID, strings.ToLower(outcome.String()), time.Since(started).Seconds(), tokensIn, tokensOut)
	return turn, nil
}

// buildOutbound assembles the provider-bound message list and system
// instruction. Attachment context is injected into the outbound copy of
// the final user message only; the stored transcript keeps the user's
// original text.
func (c *Controller) buildOutbound(ctx context.Context, userMsg *model.Message) ([]model.Message, string) {
	c.mu.Lock()
	outbound := make([]model.Message, len(c.conv.Messages))
	copy(outbound, c.conv.Messages)
	c.mu.Unlock()

	system := BaseSystemPrompt

	if c.deps.Memory != nil && userMsg.Content != "" {
		memories := c.deps.Memory.RelevantMemories(ctx, userMsg.Content, c.userID, memoryLimit)
		if len(memories) > 0 {
			var sb strings.Builder
			sb.WriteString("\n\nRelevant context from previous conversations:\n")
			for _, m := range memories {
				sb.WriteString("- ")
				sb.WriteString(m)
				sb.WriteString("\n")
			}
			system += strings.TrimRight(sb.String(), "\n")
		}
	}

	if len(userMsg.Attachments) > 0 {
		var extracts []files.Extract
		if c.deps.Files != nil {
			extracts = c.deps.Files.ExtractAll(ctx, userMsg.Attachments)
		}
		for i := len(outbound) - 1; i >= 0; i-- {
			if outbound[i].ID == userMsg.ID {
				outbound[i].Content = files.AugmentContent(outbound[i].Content, userMsg.Attachments, extracts)
				break
			}
		}
		system += files.AcknowledgmentBlock(userMsg.Attachments)
	}

	return outbound, system
}

// finalizeAssistant appends the durable assistant reply and kicks off
// best-effort persistence and memory capture.
func (c *Controller) finalizeAssistant(ctx context.Context, userMsg *model.Message, content, modelID, errDetail string) *model.Message {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		Role:           model.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
		Meta:           model.MessageMeta{Model: modelID, Error: errDetail},
	}

	c.mu.Lock()
	c.appendLocked(msg)
	c.mu.Unlock()

	c.deps.Store.Touch(c.conv.ID)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	c.recordDurable(ctx, msg)

	if errDetail == "" && c.deps.Memory != nil {
		user, assistant := *userMsg, *msg
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			c.deps.Memory.RecordTurn(rctx, user, assistant, c.userID, c.conv.ID)
		}()
	}

	c.emit(&model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		UserID:         c.userID,
		Type:           model.EventTypeCompleted,
		Metadata:       map[string]any{"message_id": msg.ID},
		CreatedAt:      time.Now(),
	})
	return msg
}

// appendLocked adds a message to the transcript. Caller holds c.mu.
func (c *Controller) appendLocked(msg *model.Message) *model.Message {
	c.conv.Messages = append(c.conv.Messages, *msg)
	return msg
}

func (c *Controller) recordDurable(ctx context.Context, msg *model.Message) {
	if c.deps.HistoryLog == nil {
		return
	}
	if _, err := c.deps.HistoryLog.AppendMessage(ctx, c.userID, msg); err != nil {
		c.deps.Logger.Warn("history append failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (c *Controller) emitEvent(ctx context.Context, typ model.EventType, messageID, reason string) {
	event := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.conv.ID,
		UserID:         c.userID,
		Type:           typ,
		Reason:         reason,
		Metadata:       map[string]any{"message_id": messageID},
		CreatedAt:      time.Now(),
	}
	if c.deps.HistoryLog != nil {
		if _, err := c.deps.HistoryLog.AppendEvent(ctx, event); err != nil {
			c.deps.Logger.Warn("history event append failed",
				zap.String("conversation_id", c.conv.ID),
				zap.String("type", string(typ)),
				zap.Error(err),
			)
		}
	}
	c.emit(event)
}

func (c *Controller) emit(event *model.ConversationEvent) {
	c.mu.Lock()
	observers := make([]EventFunc, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		if fn != nil {
			fn(event)
		}
	}
}

// deriveTitle builds a conversation title from its opening message:
// whitespace collapsed, capped at 50 bytes on a rune boundary.
func deriveTitle(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	if collapsed == "" {
		return DefaultTitle
	}
	if len(collapsed) > titleMaxChars {
		cut := titleMaxChars
		for cut > 0 && !utf8.RuneStart(collapsed[cut]) {
			cut--
		}
		return collapsed[:cut] + "..."
	}
	return collapsed
}
