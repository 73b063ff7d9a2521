package webhook

import (
	"sync"

	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// Registry holds the currently registered webhook endpoint. The gateway
// delivers to at most one endpoint at a time; re-registering replaces the
// previous target.
type Registry struct {
	mu     sync.RWMutex
	client *Client
	config Config
	logger *logger.Logger
}

// NewRegistry creates an empty webhook registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{logger: log}
}

// Register installs a delivery target, replacing any previous one, and
// returns the client that will serve it.
func (r *Registry) Register(cfg Config) *Client {
	client := NewClient(cfg, r.logger)

	r.mu.Lock()
	r.client = client
	r.config = cfg
	r.mu.Unlock()

	return client
}

// Unregister removes the delivery target.
func (r *Registry) Unregister() {
	r.mu.Lock()
	r.client = nil
	r.config = Config{}
	r.mu.Unlock()
}

// Current returns the active client, nil when nothing is registered.
func (r *Registry) Current() *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Endpoint returns the registered endpoint URL, empty when unregistered.
func (r *Registry) Endpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Endpoint
}
