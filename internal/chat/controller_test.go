package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/assistant-gateway/internal/llm"
	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/internal/stream"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// fakeClient streams scripted deltas. When gate is set, the stream pauses
// after the first delta until the gate is closed, so tests can interleave
// controller calls with an in-flight stream.
type fakeClient struct {
	mu       sync.Mutex
	deltas   []string
	failWith error
	gate     chan struct{}
	requests []*llmRequest
}

type llmRequest struct {
	system   string
	model    string
	messages []string
}

func (f *fakeClient) Name() string     { return "fake" }
func (f *fakeClient) Models() []string { return []string{"llama3-8b-8192"} }

func (f *fakeClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	captured := &llmRequest{system: req.System, model: req.Model}
	for _, m := range req.Messages {
		captured.messages = append(captured.messages, m.Role+":"+m.Content)
	}
	f.mu.Lock()
	f.requests = append(f.requests, captured)
	gate := f.gate
	f.mu.Unlock()

	var sb strings.Builder
	for i, d := range f.deltas {
		if gate != nil && i == 1 {
			<-gate
		}
		if err := callback(d, i); err != nil {
			return nil, err
		}
		sb.WriteString(d)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &llm.CompletionResponse{Content: sb.String(), Model: req.Model}, nil
}

func (f *fakeClient) lastRequest() *llmRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type fakeMemory struct {
	memories []string
	mu       sync.Mutex
	recorded int
}

func (f *fakeMemory) RelevantMemories(ctx context.Context, query, userID string, limit int) []string {
	return f.memories
}

func (f *fakeMemory) RecordTurn(ctx context.Context, user, assistant model.Message, userID, conversationID string) {
	f.mu.Lock()
	f.recorded++
	f.mu.Unlock()
}

// blockingMemory stalls inside memory retrieval so a test can hold one turn
// open mid-flight while issuing a second call against the same controller.
type blockingMemory struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMemory) RelevantMemories(ctx context.Context, query, userID string, limit int) []string {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func (b *blockingMemory) RecordTurn(ctx context.Context, user, assistant model.Message, userID, conversationID string) {
}

func newTestController(client *fakeClient, mem *fakeMemory) *Controller {
	deps := Collaborators{
		Store:  NewStore(),
		LLM:    client,
		Logger: logger.NewNop(),
	}
	if mem != nil {
		deps.Memory = mem
	}
	return NewController("user-1", nil, deps, Options{})
}

func TestSendStreamsAndFinalizes(t *testing.T) {
	client := &fakeClient{deltas: []string{"Hel", "lo", " world"}}
	ctrl := newTestController(client, nil)

	var tokens []string
	turn, err := ctrl.Send(context.Background(), SendRequest{Content: "Say hello"}, func(token string, index int) {
		tokens = append(tokens, token)
	})
	require.NoError(t, err)

	assert.Equal(t, stream.OutcomeCompleted, turn.Outcome)
	require.NotNil(t, turn.Assistant)
	assert.Equal(t, "Hello world", turn.Assistant.Content)
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)

	conv := ctrl.Conversation()
	require.NotNil(t, conv)
	assert.Equal(t, "Say hello", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.False(t, conv.Messages[1].Meta.Streaming)
	assert.False(t, ctrl.Streaming())
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	ctrl := newTestController(&fakeClient{deltas: []string{"x"}}, nil)

	_, err := ctrl.Send(context.Background(), SendRequest{Content: "   "}, nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Nil(t, ctrl.Conversation())
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "New Chat", deriveTitle("   "))
	assert.Equal(t, "hello world", deriveTitle("  hello \n\t world  "))

	long := strings.Repeat("abcde ", 20)
	title := deriveTitle(long)
	assert.Len(t, title, titleMaxChars+3)
	assert.True(t, strings.HasSuffix(title, "..."))

	// Truncation never splits a multi-byte rune.
	title = deriveTitle(strings.Repeat("世界", 20))
	assert.True(t, utf8.ValidString(title))
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len(title), titleMaxChars+3)
}

func TestFailureRecordsApologyReply(t *testing.T) {
	client := &fakeClient{failWith: errors.New("upstream exploded")}
	ctrl := newTestController(client, nil)

	turn, err := ctrl.Send(context.Background(), SendRequest{Content: "hi"}, nil)
	require.NoError(t, err)

	assert.Equal(t, stream.OutcomeFailed, turn.Outcome)
	require.NotNil(t, turn.Assistant)
	assert.Equal(t, ErrorReplyContent, turn.Assistant.Content)
	assert.Equal(t, "upstream exploded", turn.Assistant.Meta.Error)

	// The apology is durable: a follow-up send works against a clean state.
	client.failWith = nil
	client.deltas = []string{"ok"}
	turn, err = ctrl.Send(context.Background(), SendRequest{Content: "again"}, nil)
	require.NoError(t, err)
	assert.Equal(t, stream.OutcomeCompleted, turn.Outcome)
	assert.Len(t, ctrl.Conversation().Messages, 4)
}

func TestCancelDiscardsTransientThenResendYieldsOneReply(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{deltas: []string{"partial", " more"}, gate: gate}
	ctrl := newTestController(client, nil)

	firstDelta := make(chan struct{})
	turnCh := make(chan *Turn, 1)
	go func() {
		turn, err := ctrl.Send(context.Background(), SendRequest{Content: "question"}, func(token string, index int) {
			if index == 0 {
				close(firstDelta)
			}
		})
		if err == nil {
			turnCh <- turn
		}
	}()

	<-firstDelta
	ctrl.Stop()
	ctrl.Stop() // idempotent
	close(gate)

	turn := <-turnCh
	assert.Equal(t, stream.OutcomeCancelled, turn.Outcome)
	assert.Nil(t, turn.Assistant)

	// The partial reply was never persisted.
	conv := ctrl.Conversation()
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)

	client.mu.Lock()
	client.gate = nil
	client.mu.Unlock()
	turn, err := ctrl.Send(context.Background(), SendRequest{Content: "question again"}, nil)
	require.NoError(t, err)
	assert.Equal(t, stream.OutcomeCompleted, turn.Outcome)

	var assistants int
	for _, m := range ctrl.Conversation().Messages {
		if m.Role == model.RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)
}

func TestSendWhileStreamingRejected(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{deltas: []string{"a", "b"}, gate: gate}
	ctrl := newTestController(client, nil)

	firstDelta := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ctrl.Send(context.Background(), SendRequest{Content: "one"}, func(token string, index int) {
			if index == 0 {
				close(firstDelta)
			}
		})
	}()

	<-firstDelta
	_, err := ctrl.Send(context.Background(), SendRequest{Content: "two"}, nil)
	assert.ErrorIs(t, err, ErrStreamActive)

	_, err = ctrl.EditAndRegenerate(context.Background(), "any", "text", nil)
	assert.ErrorIs(t, err, ErrStreamActive)

	close(gate)
	<-done
}

func TestConcurrentSendsYieldSingleReply(t *testing.T) {
	client := &fakeClient{deltas: []string{"answer"}}
	mem := &blockingMemory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := NewController("user-1", nil, Collaborators{
		Store:  NewStore(),
		LLM:    client,
		Memory: mem,
		Logger: logger.NewNop(),
	}, Options{})

	type result struct {
		turn *Turn
		err  error
	}
	results := make(chan result, 1)
	go func() {
		turn, err := ctrl.Send(context.Background(), SendRequest{Content: "first"}, nil)
		results <- result{turn, err}
	}()

	// The first send is past the guard but not yet streaming; a second send
	// must be rejected, not interleaved.
	<-mem.entered
	_, err := ctrl.Send(context.Background(), SendRequest{Content: "second"}, nil)
	assert.ErrorIs(t, err, ErrStreamActive)

	close(mem.release)
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, stream.OutcomeCompleted, res.turn.Outcome)

	var assistants int
	for _, m := range ctrl.Conversation().Messages {
		if m.Role == model.RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)
	require.Len(t, ctrl.Conversation().Messages, 2)
}

func TestEditTruncatesAndRegenerates(t *testing.T) {
	client := &fakeClient{deltas: []string{"reply"}}
	ctrl := newTestController(client, nil)
	ctx := context.Background()

	_, err := ctrl.Send(ctx, SendRequest{Content: "first question"}, nil)
	require.NoError(t, err)
	_, err = ctrl.Send(ctx, SendRequest{Content: "second question"}, nil)
	require.NoError(t, err)
	require.Len(t, ctrl.Conversation().Messages, 4)

	firstID := ctrl.Conversation().Messages[0].ID
	turn, err := ctrl.EditAndRegenerate(ctx, firstID, "revised question", nil)
	require.NoError(t, err)
	assert.Equal(t, stream.OutcomeCompleted, turn.Outcome)

	// Everything after the edited message is gone; a fresh reply follows it.
	msgs := ctrl.Conversation().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, firstID, msgs[0].ID)
	assert.Equal(t, "revised question", msgs[0].Content)
	assert.True(t, msgs[0].Meta.Edited)
	assert.Equal(t, "first question", msgs[0].Meta.OriginalContent)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestEditPreservesFirstOriginalContent(t *testing.T) {
	client := &fakeClient{deltas: []string{"reply"}}
	ctrl := newTestController(client, nil)
	ctx := context.Background()

	_, err := ctrl.Send(ctx, SendRequest{Content: "v1"}, nil)
	require.NoError(t, err)
	id := ctrl.Conversation().Messages[0].ID

	_, err = ctrl.EditAndRegenerate(ctx, id, "v2", nil)
	require.NoError(t, err)
	_, err = ctrl.EditAndRegenerate(ctx, id, "v3", nil)
	require.NoError(t, err)

	edited := ctrl.Conversation().Messages[0]
	assert.Equal(t, "v3", edited.Content)
	assert.Equal(t, "v1", edited.Meta.OriginalContent)
}

func TestEditGuards(t *testing.T) {
	client := &fakeClient{deltas: []string{"reply"}}
	ctrl := newTestController(client, nil)
	ctx := context.Background()

	_, err := ctrl.EditAndRegenerate(ctx, "missing", "text", nil)
	assert.ErrorIs(t, err, ErrNoConversation)

	_, err = ctrl.Send(ctx, SendRequest{Content: "hello"}, nil)
	require.NoError(t, err)
	msgs := ctrl.Conversation().Messages

	_, err = ctrl.EditAndRegenerate(ctx, "missing", "text", nil)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = ctrl.EditAndRegenerate(ctx, msgs[1].ID, "text", nil)
	assert.ErrorIs(t, err, ErrNotUserMessage)

	_, err = ctrl.EditAndRegenerate(ctx, msgs[0].ID, "hello", nil)
	assert.ErrorIs(t, err, ErrUnchanged)
	assert.Len(t, ctrl.Conversation().Messages, 2)
}

func TestRegenerateLastReplacesAssistantReply(t *testing.T) {
	client := &fakeClient{deltas: []string{"first reply"}}
	ctrl := newTestController(client, nil)
	ctx := context.Background()

	_, err := ctrl.Send(ctx, SendRequest{Content: "question"}, nil)
	require.NoError(t, err)

	client.mu.Lock()
	client.deltas = []string{"second reply"}
	client.mu.Unlock()

	turn, err := ctrl.RegenerateLast(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "second reply", turn.Assistant.Content)

	msgs := ctrl.Conversation().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "second reply", msgs[1].Content)
}

func TestRegenerateLastRequiresUserTurn(t *testing.T) {
	ctrl := newTestController(&fakeClient{}, nil)
	_, err := ctrl.RegenerateLast(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestSystemPromptCarriesMemoryContext(t *testing.T) {
	client := &fakeClient{deltas: []string{"ok"}}
	mem := &fakeMemory{memories: []string{"User likes espresso", "User lives in Lisbon"}}
	ctrl := newTestController(client, mem)

	_, err := ctrl.Send(context.Background(), SendRequest{Content: "coffee?"}, nil)
	require.NoError(t, err)

	req := client.lastRequest()
	require.NotNil(t, req)
	assert.True(t, strings.HasPrefix(req.system, BaseSystemPrompt))
	assert.Contains(t, req.system, "Relevant context from previous conversations:")
	assert.Contains(t, req.system, "- User likes espresso")
	assert.Contains(t, req.system, "- User lives in Lisbon")
}

func TestSystemPromptWithoutMemories(t *testing.T) {
	client := &fakeClient{deltas: []string{"ok"}}
	ctrl := newTestController(client, &fakeMemory{})

	_, err := ctrl.Send(context.Background(), SendRequest{Content: "hi"}, nil)
	require.NoError(t, err)

	assert.Equal(t, BaseSystemPrompt, client.lastRequest().system)
}

func TestManagerReturnsSameControllerPerConversation(t *testing.T) {
	client := &fakeClient{deltas: []string{"ok"}}
	mgr := NewManager(Collaborators{Store: NewStore(), LLM: client, Logger: logger.NewNop()}, Options{})

	ctrl, err := mgr.For("user-1", "")
	require.NoError(t, err)
	_, err = ctrl.Send(context.Background(), SendRequest{Content: "name this chat please"}, nil)
	require.NoError(t, err)

	convID := ctrl.Conversation().ID
	assert.Equal(t, "name this chat please", ctrl.Conversation().Title)

	again, err := mgr.For("user-1", convID)
	require.NoError(t, err)
	assert.Same(t, ctrl, again)

	_, err = mgr.For("user-2", convID)
	assert.ErrorIs(t, err, ErrNotFound)
}
