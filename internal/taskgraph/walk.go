package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/dominikbraun/graph"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// ErrUnknownEvent is returned when an executor yields an event outside the
// closed WorkEvent set.
var ErrUnknownEvent = errors.New("unknown work event")

var tracer = otel.Tracer("github.com/flexinfer/mentatlab/services/taskgraph-go/internal/taskgraph")

// Executor carries out the work of a single node. The returned sequence is
// consumed one event at a time and may be abandoned early, in which case
// the executor must release whatever backs the stream.
type Executor interface {
	Execute(ctx context.Context, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error]
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error]

func (f ExecutorFunc) Execute(ctx context.Context, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	return f(ctx, req)
}

// Step is one event observed by the walk, tagged with the node that
// produced it.
type Step struct {
	NodeID  string
	NodeKey string
	Event   types.WorkEvent
}

// Run walks startID and its not yet completed descendants in topological
// order, executing one node at a time. The order is fixed when the walk
// starts; nodes added while it is in flight are left for the next walk.
//
// The walk halts right after yielding an InputRequired step, leaving the
// node and the graph PAUSED. Executor errors are yielded once and end the
// walk with the node still RUNNING. When the whole order has been visited
// the graph becomes COMPLETED if no node anywhere is pending.
func (g *Graph) Run(ctx context.Context, startID string) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		order, err := g.visitOrder(startID)
		if err != nil {
			yield(Step{}, err)
			return
		}

		// A paused node not on this walk goes back to READY so that at most
		// one node is ever PAUSED.
		if g.pausedNodeID != "" {
			if n, ok := g.nodes[g.pausedNodeID]; ok && n.status == types.StatusPaused {
				n.setStatus(types.StatusReady)
			}
			g.pausedNodeID = ""
		}
		g.status = types.StatusRunning

		g.logger.Debug("walk started",
			slog.String("graph_id", g.ID),
			slog.String("start", startID),
			slog.Int("nodes", len(order)))

		for _, id := range order {
			if halt := g.visit(ctx, g.nodes[id], yield); halt {
				return
			}
		}

		if len(g.Pending()) == 0 {
			g.status = types.StatusCompleted
		}
		g.logger.Debug("walk finished",
			slog.String("graph_id", g.ID),
			slog.String("status", g.status.String()))
	}
}

// visit runs one node and reports whether the walk must stop.
func (g *Graph) visit(ctx context.Context, n *Node, yield func(Step, error) bool) bool {
	ctx, span := tracer.Start(ctx, "taskgraph.node", trace.WithAttributes(
		attribute.String("taskgraph.graph_id", g.ID),
		attribute.String("taskgraph.node_id", n.id),
		attribute.String("taskgraph.node_key", n.Key),
	))
	defer span.End()

	n.setStatus(types.StatusRunning)
	step := Step{NodeID: n.id, NodeKey: n.Key}
	req := n.Request()
	req.RunID = g.ID

	for ev, err := range g.executor.Execute(ctx, req) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(step, fmt.Errorf("node %s: %w", n.id, err))
			return true
		}

		step.Event = ev
		switch e := ev.(type) {
		case *types.Completed:
			n.setStatus(types.StatusCompleted)
		case *types.StatusWorking:
		case *types.InputRequired:
			n.setStatus(types.StatusPaused)
			g.status = types.StatusPaused
			g.pausedNodeID = n.id
			span.AddEvent("input_required", trace.WithAttributes(attribute.String("question", e.Question)))
			yield(step, nil)
			return true
		case *types.Artifact:
			n.result = e
			n.touch()
		default:
			err := fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
			span.SetStatus(codes.Error, err.Error())
			yield(step, err)
			return true
		}

		if !yield(step, nil) {
			return true
		}
	}

	if n.status != types.StatusCompleted {
		n.setStatus(types.StatusCompleted)
	}
	return false
}

// visitOrder computes the fixed order for one walk: startID plus every node
// reachable from it, minus completed nodes, in a topological order that
// breaks ties by insertion position.
func (g *Graph) visitOrder(startID string) ([]string, error) {
	if _, ok := g.nodes[startID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, startID)
	}

	reachable := make(map[string]bool)
	err := graph.DFS(g.dag, startID, func(id string) bool {
		reachable[id] = true
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("collect descendants: %w", err)
	}

	sorted, err := graph.StableTopologicalSort(g.dag, func(a, b string) bool {
		return g.nodes[a].seq < g.nodes[b].seq
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort: %w", err)
	}

	order := make([]string, 0, len(reachable))
	for _, id := range sorted {
		if reachable[id] && g.nodes[id].status != types.StatusCompleted {
			order = append(order, id)
		}
	}
	return order, nil
}
