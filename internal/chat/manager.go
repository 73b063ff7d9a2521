package chat

import "sync"

// Manager hands out the single Controller instance for each active
// conversation, so concurrent requests against the same conversation share
// one serialization point.
type Manager struct {
	deps Collaborators
	opts Options

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a controller manager around shared collaborators.
func NewManager(deps Collaborators, opts Options) *Manager {
	return &Manager{
		deps:        deps,
		opts:        opts,
		controllers: make(map[string]*Controller),
	}
}

// Store exposes the underlying conversation store.
func (m *Manager) Store() *Store {
	return m.deps.Store
}

// For returns the controller for a conversation, creating it on first use.
// An empty conversationID starts a new conversation; its title is derived
// from the first message sent through the controller.
func (m *Manager) For(userID, conversationID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conversationID == "" {
		conv := m.deps.Store.Create(userID, DefaultTitle)
		ctrl := NewController(userID, conv, m.deps, m.opts)
		m.controllers[conv.ID] = ctrl
		return ctrl, nil
	}

	if ctrl, ok := m.controllers[conversationID]; ok {
		if ctrl.userID != userID {
			return nil, ErrNotFound
		}
		return ctrl, nil
	}

	conv, err := m.deps.Store.Get(userID, conversationID)
	if err != nil {
		return nil, err
	}
	ctrl := NewController(userID, conv, m.deps, m.opts)
	m.controllers[conversationID] = ctrl
	return ctrl, nil
}

// Release drops the controller for a conversation, stopping any in-flight
// stream first. Used when a conversation is deleted.
func (m *Manager) Release(conversationID string) {
	m.mu.Lock()
	ctrl := m.controllers[conversationID]
	delete(m.controllers, conversationID)
	m.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
	}
}
