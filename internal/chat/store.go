// Package chat owns conversation state and orchestrates turns: budgeting,
// streaming assembly, edit-triggered regeneration, and the collaborator
// side effects around them.
package chat

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/pkg/metrics"
)

// ErrNotFound is returned for missing or foreign conversations.
var ErrNotFound = errors.New("conversation not found")

// Store is the in-memory conversation store. All message-list mutations go
// through the owning Controller; the store only guards concurrent access
// across conversations.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*model.Conversation)}
}

// Create creates a new conversation owned by a user.
func (s *Store) Create(userID, title string) *model.Conversation {
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	metrics.ConversationsTotal.Inc()
	return conv
}

// Get retrieves a conversation by ID for a user.
func (s *Store) Get(userID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	conv, exists := s.conversations[conversationID]
	s.mu.RUnlock()

	if !exists || conv.UserID != userID || conv.Deleted {
		return nil, ErrNotFound
	}
	return conv, nil
}

// List retrieves conversations for a user: pinned first, then most
// recently updated. The order is stable across calls so offset paging
// neither skips nor repeats conversations.
func (s *Store) List(userID string, limit, offset int) *model.ListConversationsResponse {
	s.mu.RLock()
	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID != userID || conv.Deleted {
			continue
		}
		convs = append(convs, *conv)
	}
	s.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID > convs[j].ID
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListConversationsResponse{
		Conversations: convs[start:end],
		Total:         total,
		HasMore:       end < total,
	}
}

// Update applies title/pin/archive changes.
func (s *Store) Update(userID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists || conv.UserID != userID || conv.Deleted {
		return nil, ErrNotFound
	}

	if req.Title != "" {
		conv.Title = req.Title
	}
	if req.Pinned != nil {
		conv.Pinned = *req.Pinned
	}
	if req.Archived != nil {
		conv.Archived = *req.Archived
	}
	conv.UpdatedAt = time.Now()

	return conv, nil
}

// Delete soft-deletes a conversation.
func (s *Store) Delete(userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists || conv.UserID != userID {
		return ErrNotFound
	}

	conv.Deleted = true
	conv.UpdatedAt = time.Now()
	return nil
}

// Touch bumps a conversation's update time.
func (s *Store) Touch(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
}
