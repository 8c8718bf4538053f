package taskgraph

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dominikbraun/graph"
	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Common errors returned by Graph.
var (
	ErrUnknownNode = errors.New("unknown node")
	ErrCycle       = errors.New("edge would create a cycle")
)

// Graph is an append-only directed graph of nodes plus the run state of the
// session that owns it. A Graph is not safe for concurrent use; the owning
// session serializes access.
type Graph struct {
	ID string

	dag      graph.Graph[string, *Node]
	nodes    map[string]*Node
	order    []string // insertion order
	executor Executor
	logger   *slog.Logger

	status       types.Status
	pausedNodeID string
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used by the walk.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates an empty graph whose nodes run through exec.
func New(exec Executor, opts ...Option) *Graph {
	g := &Graph{
		ID:       uuid.NewString(),
		dag:      graph.New(nodeHash, graph.Directed(), graph.PreventCycles()),
		nodes:    make(map[string]*Node),
		executor: exec,
		logger:   slog.Default(),
		status:   types.StatusInitialized,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func nodeHash(n *Node) string { return n.id }

// Status returns the run status of the whole graph.
func (g *Graph) Status() types.Status { return g.status }

// PausedNodeID returns the node awaiting input, or "" when not paused.
func (g *Graph) PausedNodeID() string { return g.pausedNodeID }

// AddNode creates and registers a new node.
func (g *Graph) AddNode(task, key, label string) *Node {
	n := newNode(len(g.order), task, key, label)
	// ids are fresh uuids so the vertex cannot already exist
	_ = g.dag.AddVertex(n)
	g.nodes[n.id] = n
	g.order = append(g.order, n.id)

	if g.status == types.StatusInitialized || g.status == types.StatusCompleted {
		g.status = types.StatusReady
	}
	return n
}

// AddEdge links two existing nodes. Adding an edge that already exists is a
// no-op.
func (g *Graph) AddEdge(fromID, toID string) error {
	if _, ok := g.nodes[fromID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, fromID)
	}
	if _, ok := g.nodes[toID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, toID)
	}

	err := g.dag.AddEdge(fromID, toID)
	switch {
	case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
		return nil
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		return fmt.Errorf("%w: %s -> %s", ErrCycle, fromID, toID)
	default:
		return fmt.Errorf("add edge %s -> %s: %w", fromID, toID, err)
	}
}

// AddChainedNode creates a node, writes attrs into it and, when afterID is
// not empty, links afterID to the new node.
func (g *Graph) AddChainedNode(afterID, task, key, label string, attrs map[string]string) (*Node, error) {
	if afterID != "" {
		if _, ok := g.nodes[afterID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, afterID)
		}
	}

	n := g.AddNode(task, key, label)
	n.SetAttrs(attrs)
	if afterID != "" {
		if err := g.AddEdge(afterID, n.id); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// MarkExtended records that nodeID's output added firstID and the nodes
// chained after it. The first mark wins.
func (g *Graph) MarkExtended(nodeID, firstID string) error {
	n, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if _, ok := g.nodes[firstID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, firstID)
	}
	if n.extended == "" {
		n.extended = firstID
		n.touch()
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Tail returns the most recently added node, or nil for an empty graph.
func (g *Graph) Tail() *Node {
	if len(g.order) == 0 {
		return nil
	}
	return g.nodes[g.order[len(g.order)-1]]
}

// Edges returns every edge ordered by the insertion position of its endpoints.
func (g *Graph) Edges() []types.EdgeSpec {
	adj, err := g.dag.AdjacencyMap()
	if err != nil {
		return nil
	}
	var out []types.EdgeSpec
	for _, from := range g.order {
		targets := make([]*Node, 0, len(adj[from]))
		for to := range adj[from] {
			targets = append(targets, g.nodes[to])
		}
		sortBySeq(targets)
		for _, t := range targets {
			out = append(out, types.EdgeSpec{From: from, To: t.id})
		}
	}
	return out
}

// Pending returns nodes that have not completed, in insertion order.
func (g *Graph) Pending() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.status != types.StatusCompleted {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot is an observable copy of a graph.
type Snapshot struct {
	ID           string            `json:"id"`
	Status       types.Status      `json:"status"`
	PausedNodeID string            `json:"paused_node_id,omitempty"`
	Nodes        []types.NodeState `json:"nodes"`
	Edges        []types.EdgeSpec  `json:"edges"`
}

// Snapshot copies the current state of the graph.
func (g *Graph) Snapshot() Snapshot {
	s := Snapshot{
		ID:           g.ID,
		Status:       g.status,
		PausedNodeID: g.pausedNodeID,
		Nodes:        make([]types.NodeState, 0, len(g.order)),
		Edges:        g.Edges(),
	}
	for _, id := range g.order {
		s.Nodes = append(s.Nodes, g.nodes[id].State())
	}
	if s.Edges == nil {
		s.Edges = []types.EdgeSpec{}
	}
	return s
}

func sortBySeq(nodes []*Node) {
	slices.SortFunc(nodes, func(a, b *Node) int { return cmp.Compare(a.seq, b.seq) })
}
