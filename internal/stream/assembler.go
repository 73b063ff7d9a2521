// Package stream assembles one in-flight model completion at a time: it
// accumulates streamed deltas into a growing text value, notifies observers
// after each append, and finalizes into a typed terminal outcome.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/aperture-ai/assistant-gateway/internal/llm"
)

// Outcome is the terminal state of a streaming session.
type Outcome int

const (
	// OutcomePending means the session is still live.
	OutcomePending Outcome = iota

	// OutcomeCompleted means the sentinel arrived and the accumulated
	// text is final.
	OutcomeCompleted

	// OutcomeCancelled means the caller aborted the session. No final
	// text is produced; partial text must be discarded by the caller.
	OutcomeCancelled

	// OutcomeFailed means the transport errored. No partial text is
	// surfaced as a final value.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Observer is notified after each delta is appended. accumulated is the
// full text so far, delta the fragment just applied.
type Observer func(accumulated, delta string, index int)

// Session is one outstanding streamed completion. At most one Session may
// be live per conversation; the chat controller enforces that by cancelling
// any prior session before beginning a new one.
type Session struct {
	mu        sync.Mutex
	buf       strings.Builder
	observers []Observer
	outcome   Outcome
	final     *llm.CompletionResponse
	err       error
	cancelled bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Begin dispatches a streaming completion and returns the live session.
// Observers registered here see every delta, including the first.
func Begin(ctx context.Context, client llm.Client, req *llm.CompletionRequest, observers ...Observer) *Session {
	streamCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		observers: observers,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go s.run(streamCtx, client, req)
	return s
}

func (s *Session) run(ctx context.Context, client llm.Client, req *llm.CompletionRequest) {
	resp, err := client.CompleteStream(ctx, req, s.append)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.cancelled || ctx.Err() != nil:
		s.outcome = OutcomeCancelled
	case err != nil:
		s.outcome = OutcomeFailed
		s.err = err
	default:
		s.outcome = OutcomeCompleted
		s.final = resp
	}
	close(s.done)
}

// append applies one delta in arrival order. Deltas arriving after
// cancellation are ignored and the transport is told to stop.
func (s *Session) append(delta string, index int) error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return context.Canceled
	}
	s.buf.WriteString(delta)
	accumulated := s.buf.String()
	observers := s.observers
	s.mu.Unlock()

	for _, observe := range observers {
		observe(accumulated, delta, index)
	}
	return nil
}

// Text returns the accumulated text so far. Valid at any point during the
// session for incremental rendering.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Cancel aborts the session. It returns immediately; transport teardown is
// best-effort asynchronous. Idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

// Done is closed when the session reaches a terminal outcome.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the terminal outcome, or OutcomePending while live.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Result returns the completion response after a completed session, or the
// failure error. It must be called after Done is closed. A cancelled
// session yields neither a response nor an error.
func (s *Session) Result() (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.err
}
