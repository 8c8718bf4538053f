package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRegistry implements AgentRegistry using in-memory storage.
// Suitable for testing and local development.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryRegistry creates a new in-memory agent registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]*Agent),
	}
}

// Create registers a new agent.
func (r *MemoryRegistry) Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[req.ID]; exists {
		return nil, ErrAgentExists
	}

	agent := newAgent(req, time.Now().UTC())
	r.agents[req.ID] = agent

	copy := *agent
	return &copy, nil
}

// Get retrieves an agent by ID.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}

	// Return a copy to prevent external mutation
	copy := *agent
	return &copy, nil
}

// Update modifies an existing agent.
func (r *MemoryRegistry) Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	req.apply(agent, time.Now().UTC())

	copy := *agent
	return &copy, nil
}

// Delete removes an agent.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}

	delete(r.agents, id)
	return nil
}

// List returns all agents matching the options, ordered by ID.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*Agent, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if len(opts.Capabilities) > 0 && !hasAllCapabilities(agent.Capabilities, opts.Capabilities) {
			continue
		}
		copy := *agent
		agents = append(agents, &copy)
	}
	slices.SortFunc(agents, func(a, b *Agent) int { return cmp.Compare(a.ID, b.ID) })

	return page(agents, opts), nil
}

// Exists checks if an agent with the given ID exists.
func (r *MemoryRegistry) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.agents[id]
	return ok, nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

var _ AgentRegistry = (*MemoryRegistry)(nil)
