package taskgraph

import (
	"errors"
	"testing"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

func TestAddNode(t *testing.T) {
	g := New(nil)
	if g.Status() != types.StatusInitialized {
		t.Fatalf("expected INITIALIZED, got %v", g.Status())
	}

	n := g.AddNode("plan trip", "planner", "planner")
	if n.ID() == "" {
		t.Error("expected node id")
	}
	if n.Status() != types.StatusReady {
		t.Errorf("expected READY node, got %v", n.Status())
	}
	if g.Status() != types.StatusReady {
		t.Errorf("expected READY graph, got %v", g.Status())
	}
	if got, ok := g.Node(n.ID()); !ok || got != n {
		t.Error("node not registered")
	}
	if !n.IsPlanner() {
		t.Error("expected planner node")
	}
}

func TestAddEdge(t *testing.T) {
	g := New(nil)
	a := g.AddNode("a", "", "")
	b := g.AddNode("b", "", "")

	t.Run("unknown endpoints", func(t *testing.T) {
		if err := g.AddEdge(a.ID(), "missing"); !errors.Is(err, ErrUnknownNode) {
			t.Errorf("expected ErrUnknownNode, got %v", err)
		}
		if err := g.AddEdge("missing", b.ID()); !errors.Is(err, ErrUnknownNode) {
			t.Errorf("expected ErrUnknownNode, got %v", err)
		}
	})

	t.Run("duplicate is a no-op", func(t *testing.T) {
		if err := g.AddEdge(a.ID(), b.ID()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := g.AddEdge(a.ID(), b.ID()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(g.Edges()) != 1 {
			t.Errorf("expected 1 edge, got %d", len(g.Edges()))
		}
	})

	t.Run("cycle rejected", func(t *testing.T) {
		if err := g.AddEdge(b.ID(), a.ID()); !errors.Is(err, ErrCycle) {
			t.Errorf("expected ErrCycle, got %v", err)
		}
	})
}

func TestAddChainedNode(t *testing.T) {
	g := New(nil)
	root, err := g.AddChainedNode("", "plan trip", types.PlannerKey, "", map[string]string{types.AttrQuery: "plan trip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.Query() != "plan trip" {
		t.Errorf("expected query attribute, got %q", root.Query())
	}
	if len(g.Edges()) != 0 {
		t.Errorf("root should have no edges")
	}

	if _, err := g.AddChainedNode("missing", "x", "", "", nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if g.Len() != 1 {
		t.Errorf("failed chain must not add a node, have %d", g.Len())
	}

	tail := root
	for _, task := range []string{"t1", "t2", "t3"} {
		n, err := g.AddChainedNode(tail.ID(), task, "", "", nil)
		if err != nil {
			t.Fatalf("chain %s: %v", task, err)
		}
		tail = n
	}
	if g.Tail() != tail {
		t.Error("tail should be last chained node")
	}

	edges := g.Edges()
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges, got %d", len(edges))
	}
	nodes := g.Nodes()
	for i, e := range edges {
		if e.From != nodes[i].ID() || e.To != nodes[i+1].ID() {
			t.Errorf("edge %d: %s -> %s, want %s -> %s", i, e.From, e.To, nodes[i].ID(), nodes[i+1].ID())
		}
	}
}

func TestChainingIsAcyclic(t *testing.T) {
	g := New(nil)
	var ids []string
	for i := 0; i < 20; i++ {
		after := ""
		if len(ids) > 0 {
			// branch off earlier nodes as well as the tail
			after = ids[(i*7)%len(ids)]
		}
		n, err := g.AddChainedNode(after, "task", "", "", nil)
		if err != nil {
			t.Fatalf("chain %d: %v", i, err)
		}
		ids = append(ids, n.ID())
	}

	// every edge points forward in insertion order, so no cycle exists
	for _, e := range g.Edges() {
		from, _ := g.Node(e.From)
		to, _ := g.Node(e.To)
		if from.Seq() >= to.Seq() {
			t.Errorf("edge %d -> %d points backwards", from.Seq(), to.Seq())
		}
	}
}

func TestSnapshot(t *testing.T) {
	g := New(nil)
	a, _ := g.AddChainedNode("", "a", "planner", "planner", map[string]string{"query": "a"})
	_, _ = g.AddChainedNode(a.ID(), "b", "", "", nil)

	s := g.Snapshot()
	if s.ID != g.ID || len(s.Nodes) != 2 || len(s.Edges) != 1 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	s.Nodes[0].Attributes["query"] = "changed"
	if a.Query() != "a" {
		t.Error("snapshot must not alias node attributes")
	}
}

func TestMarkExtended(t *testing.T) {
	g := New(nil)
	p, _ := g.AddChainedNode("", "plan", "planner", "planner", nil)
	first, _ := g.AddChainedNode(p.ID(), "flight", "", "", nil)
	second, _ := g.AddChainedNode(first.ID(), "hotel", "", "", nil)

	if p.Extension() != "" {
		t.Fatalf("fresh node should not be extended, got %q", p.Extension())
	}
	if err := g.MarkExtended(p.ID(), first.ID()); err != nil {
		t.Fatalf("MarkExtended: %v", err)
	}
	if err := g.MarkExtended(p.ID(), second.ID()); err != nil {
		t.Fatalf("MarkExtended again: %v", err)
	}
	if p.Extension() != first.ID() {
		t.Errorf("first mark should win, got %q", p.Extension())
	}

	if err := g.MarkExtended("missing", first.ID()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode for missing node, got %v", err)
	}
	if err := g.MarkExtended(p.ID(), "missing"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode for missing target, got %v", err)
	}
}
