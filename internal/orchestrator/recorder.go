package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/taskgraph"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Recorder observes a session's progress. Implementations must not fail
// the call; errors are theirs to log.
type Recorder interface {
	// Begin is called before each walk cycle.
	Begin(ctx context.Context, contextID string, g *taskgraph.Graph)

	// Event records one event, attributed to nodeID when set.
	Event(ctx context.Context, g *taskgraph.Graph, nodeID string, typ types.EventType, data any)

	// End is called when an Advance call stops, with the error that ended it.
	// The session may already have been reset, so the graph is passed directly.
	End(ctx context.Context, g *taskgraph.Graph, err error)

	// Summarized is called with the final summary before the session resets.
	Summarized(ctx context.Context, sess *Session, summary string)
}

// NopRecorder records nothing.
type NopRecorder struct{}

func (NopRecorder) Begin(context.Context, string, *taskgraph.Graph)                       {}
func (NopRecorder) Event(context.Context, *taskgraph.Graph, string, types.EventType, any) {}
func (NopRecorder) End(context.Context, *taskgraph.Graph, error)                          {}
func (NopRecorder) Summarized(context.Context, *Session, string)                          {}

// RunRecorder mirrors each session graph into a run store as a run whose id
// is the graph id, and archives final summaries.
type RunRecorder struct {
	store   runstore.RunStore
	archive *archive.Service
	logger  *slog.Logger
}

// NewRunRecorder creates a recorder. archive may be nil.
func NewRunRecorder(store runstore.RunStore, arch *archive.Service, logger *slog.Logger) *RunRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRecorder{store: store, archive: arch, logger: logger}
}

func (r *RunRecorder) op(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RunStoreOperations.WithLabelValues(operation, result).Inc()
}

func (r *RunRecorder) Begin(ctx context.Context, contextID string, g *taskgraph.Graph) {
	snap := g.Snapshot()

	err := r.store.CreateRun(ctx, &types.Run{
		ID:        g.ID,
		ContextID: contextID,
		Status:    snap.Status,
		Nodes:     snap.Nodes,
		Edges:     snap.Edges,
	})
	if errors.Is(err, runstore.ErrRunExists) {
		err = nil
	}
	r.op("create", err)
	if err != nil {
		r.logger.Warn("failed to create run", slog.String("run_id", g.ID), slog.Any("error", err))
		return
	}

	r.syncGraph(ctx, g)
	r.updateStatus(ctx, g.ID, types.StatusRunning, "")
}

func (r *RunRecorder) Event(ctx context.Context, g *taskgraph.Graph, nodeID string, typ types.EventType, data any) {
	if nodeID != "" {
		if n, ok := g.Node(nodeID); ok {
			st := n.State()
			err := r.store.UpdateNodeState(ctx, g.ID, &st)
			r.op("update", err)
			if err != nil {
				r.logger.Warn("failed to record node state",
					slog.String("run_id", g.ID),
					slog.String("node_id", nodeID),
					slog.Any("error", err))
			}
		}
	}

	_, err := r.store.AppendEvent(ctx, g.ID, &types.EventInput{Type: typ, NodeID: nodeID, Data: data})
	r.op("event", err)
	if err != nil {
		r.logger.Warn("failed to record event",
			slog.String("run_id", g.ID),
			slog.String("event_type", string(typ)),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(typ)).Inc()
}

func (r *RunRecorder) End(ctx context.Context, g *taskgraph.Graph, err error) {
	if g == nil {
		return
	}
	r.syncGraph(ctx, g)

	msg := ""
	if err != nil {
		msg = err.Error()
		r.Event(ctx, g, "", types.EventTypeError, map[string]string{"error": msg})
	}
	r.Event(ctx, g, "", types.EventTypeRunStatus, types.RunStatusEvent{Status: g.Status(), Error: msg})
	r.updateStatus(ctx, g.ID, g.Status(), msg)
}

func (r *RunRecorder) Summarized(ctx context.Context, sess *Session, summary string) {
	g := sess.Graph
	if g == nil {
		return
	}
	r.Event(ctx, g, "", types.EventTypeSummary, map[string]string{"summary": summary})

	if r.archive == nil {
		return
	}
	ref, err := r.archive.Store(ctx, &archive.Record{
		RunID:       g.ID,
		ContextID:   sess.ContextID,
		Summary:     summary,
		Results:     sess.Results(),
		History:     sess.History(),
		CompletedAt: time.Now().UTC(),
	})
	result := "success"
	if err != nil {
		result = "error"
		r.logger.Warn("failed to archive run", slog.String("run_id", g.ID), slog.Any("error", err))
	} else {
		r.logger.Info("archived run", slog.String("run_id", g.ID), slog.String("uri", ref.URI))
	}
	metrics.ArchiveOperations.WithLabelValues("store", result).Inc()
}

func (r *RunRecorder) syncGraph(ctx context.Context, g *taskgraph.Graph) {
	snap := g.Snapshot()
	for i := range snap.Nodes {
		if err := r.store.UpdateNodeState(ctx, g.ID, &snap.Nodes[i]); err != nil {
			r.op("update", err)
			r.logger.Warn("failed to record node state", slog.String("run_id", g.ID), slog.Any("error", err))
			return
		}
	}
	err := r.store.SetEdges(ctx, g.ID, snap.Edges)
	r.op("update", err)
	if err != nil {
		r.logger.Warn("failed to record edges", slog.String("run_id", g.ID), slog.Any("error", err))
	}
}

func (r *RunRecorder) updateStatus(ctx context.Context, runID string, status types.Status, msg string) {
	err := r.store.UpdateRunStatus(ctx, runID, status, msg)
	r.op("update", err)
	if err != nil {
		r.logger.Warn("failed to update run status",
			slog.String("run_id", runID),
			slog.String("status", status.String()),
			slog.Any("error", err))
	}
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*RunRecorder)(nil)
)
