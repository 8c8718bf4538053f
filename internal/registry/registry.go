// Package registry provides agent registration and discovery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by AgentRegistry implementations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
)

// Runtime selects how an agent's work is carried out.
type Runtime string

const (
	RuntimeA2A        Runtime = "a2a"
	RuntimeSubprocess Runtime = "subprocess"
	RuntimeK8s        Runtime = "k8s"
)

// Agent represents a registered agent in the system.
type Agent struct {
	// ID is the unique identifier (e.g., "travel.planner")
	ID string `json:"id"`

	// Name is the human-readable name
	Name string `json:"name"`

	// Version is the agent version (semver recommended)
	Version string `json:"version,omitempty"`

	// Runtime is one of a2a, subprocess or k8s
	Runtime Runtime `json:"runtime"`

	// Endpoint is the A2A base URL for remote agents
	Endpoint string `json:"endpoint,omitempty"`

	// Image is the container image for K8s execution
	Image string `json:"image,omitempty"`

	// Command is the command to run for subprocess and K8s agents
	Command []string `json:"command,omitempty"`

	// Env is passed to subprocess and K8s agents
	Env map[string]string `json:"env,omitempty"`

	// Capabilities are tags describing what the agent can do
	Capabilities []string `json:"capabilities,omitempty"`

	// Skills are free-text skill descriptions used for matching tasks
	Skills []string `json:"skills,omitempty"`

	// Match is an optional expression evaluated against {task, key, words}
	Match string `json:"match,omitempty"`

	// Description provides details about the agent
	Description string `json:"description,omitempty"`

	// Resources are K8s requests/limits, e.g. {"cpu": "500m", "memory": "256Mi"}
	Resources map[string]string `json:"resources,omitempty"`

	// Metadata holds additional key-value pairs
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent advertises c.
func (a *Agent) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CreateAgentRequest is the input for registering a new agent.
type CreateAgentRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Runtime      Runtime           `json:"runtime"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Image        string            `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	Match        string            `json:"match,omitempty"`
	Description  string            `json:"description,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UpdateAgentRequest is the input for updating an existing agent.
type UpdateAgentRequest struct {
	Name         *string           `json:"name,omitempty"`
	Version      *string           `json:"version,omitempty"`
	Endpoint     *string           `json:"endpoint,omitempty"`
	Image        *string           `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	Match        *string           `json:"match,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	// Capabilities filters agents that have ALL specified capabilities
	Capabilities []string

	// Limit is the maximum number of agents to return (0 = no limit)
	Limit int

	// Offset is the number of agents to skip (for pagination)
	Offset int
}

// AgentRegistry defines the interface for agent registration and discovery.
// Implementations must be safe for concurrent use. List returns agents
// ordered by ID.
type AgentRegistry interface {
	// Create registers a new agent. Returns ErrAgentExists if ID is taken.
	Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error)

	// Get retrieves an agent by ID. Returns ErrAgentNotFound if not found.
	Get(ctx context.Context, id string) (*Agent, error)

	// Update modifies an existing agent. Returns ErrAgentNotFound if not found.
	Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error)

	// Delete removes an agent. Returns ErrAgentNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all agents matching the options.
	List(ctx context.Context, opts *ListOptions) ([]*Agent, error)

	// Exists checks if an agent with the given ID exists.
	Exists(ctx context.Context, id string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreateAgentRequest is valid.
func (r *CreateAgentRequest) Validate() error {
	if r.ID == "" {
		return errors.New("agent ID is required")
	}
	if r.Name == "" {
		return errors.New("agent name is required")
	}
	switch r.Runtime {
	case RuntimeA2A:
		if r.Endpoint == "" {
			return errors.New("a2a agents require an endpoint")
		}
	case RuntimeSubprocess:
		if len(r.Command) == 0 {
			return errors.New("subprocess agents require a command")
		}
	case RuntimeK8s:
		if r.Image == "" {
			return errors.New("k8s agents require an image")
		}
	default:
		return fmt.Errorf("unknown runtime %q", r.Runtime)
	}
	return nil
}

func newAgent(req *CreateAgentRequest, now time.Time) *Agent {
	return &Agent{
		ID:           req.ID,
		Name:         req.Name,
		Version:      req.Version,
		Runtime:      req.Runtime,
		Endpoint:     req.Endpoint,
		Image:        req.Image,
		Command:      req.Command,
		Env:          req.Env,
		Capabilities: req.Capabilities,
		Skills:       req.Skills,
		Match:        req.Match,
		Description:  req.Description,
		Resources:    req.Resources,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// apply copies the set fields of req onto a.
func (req *UpdateAgentRequest) apply(a *Agent, now time.Time) {
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Version != nil {
		a.Version = *req.Version
	}
	if req.Endpoint != nil {
		a.Endpoint = *req.Endpoint
	}
	if req.Image != nil {
		a.Image = *req.Image
	}
	if req.Command != nil {
		a.Command = req.Command
	}
	if req.Env != nil {
		a.Env = req.Env
	}
	if req.Capabilities != nil {
		a.Capabilities = req.Capabilities
	}
	if req.Skills != nil {
		a.Skills = req.Skills
	}
	if req.Match != nil {
		a.Match = *req.Match
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Resources != nil {
		a.Resources = req.Resources
	}
	if req.Metadata != nil {
		a.Metadata = req.Metadata
	}
	a.UpdatedAt = now
}

// page applies offset and limit to an ordered list.
func page(agents []*Agent, opts *ListOptions) []*Agent {
	if opts.Offset > 0 {
		if opts.Offset >= len(agents) {
			return []*Agent{}
		}
		agents = agents[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(agents) {
		agents = agents[:opts.Limit]
	}
	return agents
}

// hasAllCapabilities checks if agent has all required capabilities.
func hasAllCapabilities(agentCaps, required []string) bool {
	capSet := make(map[string]bool, len(agentCaps))
	for _, c := range agentCaps {
		capSet[c] = true
	}
	for _, req := range required {
		if !capSet[req] {
			return false
		}
	}
	return true
}
