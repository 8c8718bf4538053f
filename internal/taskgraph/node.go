// Package taskgraph holds the runtime task graph: nodes, the append-only
// graph that links them, and the walk that executes them in dependency order.
package taskgraph

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Node is one unit of work in a graph. Its id, status and result are owned
// by the graph and the walk; callers read them through accessors.
type Node struct {
	Key        string
	Label      string
	Task       string
	Attributes map[string]string

	id        string
	status    types.Status
	result    *types.Artifact
	extended  string
	seq       int
	updatedAt time.Time
}

func newNode(seq int, task, key, label string) *Node {
	return &Node{
		Key:        key,
		Label:      label,
		Task:       task,
		Attributes: make(map[string]string),
		id:         uuid.NewString(),
		status:     types.StatusReady,
		seq:        seq,
		updatedAt:  time.Now().UTC(),
	}
}

// ID returns the node's unique id.
func (n *Node) ID() string { return n.id }

// Status returns the node's current status.
func (n *Node) Status() types.Status { return n.status }

// Result returns the last artifact the node produced, or nil.
func (n *Node) Result() *types.Artifact { return n.result }

// Extension returns the first node this node's plan added to the graph, or
// "" when it has not extended the graph.
func (n *Node) Extension() string { return n.extended }

// Seq is the insertion position of the node within its graph.
func (n *Node) Seq() int { return n.seq }

// IsPlanner reports whether the node is the planner node.
func (n *Node) IsPlanner() bool { return n.Key == types.PlannerKey }

// Query returns the current query attribute.
func (n *Node) Query() string { return n.Attributes[types.AttrQuery] }

// SetAttr overwrites one attribute.
func (n *Node) SetAttr(key, value string) {
	n.Attributes[key] = value
	n.touch()
}

// SetAttrs overwrites every attribute present in attrs.
func (n *Node) SetAttrs(attrs map[string]string) {
	maps.Copy(n.Attributes, attrs)
	n.touch()
}

func (n *Node) setStatus(s types.Status) {
	n.status = s
	n.touch()
}

func (n *Node) touch() { n.updatedAt = time.Now().UTC() }

// Request builds the executor input from the node's current attributes.
func (n *Node) Request() *types.WorkRequest {
	query := n.Attributes[types.AttrQuery]
	if query == "" {
		query = n.Task
	}
	return &types.WorkRequest{
		NodeID:     n.id,
		Key:        n.Key,
		Label:      n.Label,
		Task:       n.Task,
		Query:      query,
		TaskID:     n.Attributes[types.AttrTaskID],
		ContextID:  n.Attributes[types.AttrContextID],
		Attributes: maps.Clone(n.Attributes),
	}
}

// State returns an observable copy of the node.
func (n *Node) State() types.NodeState {
	return types.NodeState{
		NodeID:     n.id,
		Key:        n.Key,
		Label:      n.Label,
		Task:       n.Task,
		Status:     n.status,
		Attributes: maps.Clone(n.Attributes),
		Result:     n.result,
		UpdatedAt:  n.updatedAt,
	}
}
