package types

import (
	"time"
)

// Run is the recorded lifetime of one session graph.
type Run struct {
	ID         string            `json:"id"`
	ContextID  string            `json:"context_id,omitempty"`
	Status     Status            `json:"status"`
	Nodes      []NodeState       `json:"nodes,omitempty"`
	Edges      []EdgeSpec        `json:"edges,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string            `json:"id"`
	ContextID  string            `json:"context_id,omitempty"`
	Status     Status            `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// EdgeSpec is a directed edge between two nodes.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NodeState is the observable state of a node.
type NodeState struct {
	NodeID     string            `json:"node_id"`
	Key        string            `json:"key,omitempty"`
	Label      string            `json:"label,omitempty"`
	Task       string            `json:"task"`
	Status     Status            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Result     *Artifact         `json:"result,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
