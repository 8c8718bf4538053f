// Package runstore records session graph runs and their event streams.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunExists    = errors.New("run already exists")
	ErrNodeNotFound = errors.New("node not found")
)

// RunStore persists runs and their events. A run mirrors one session graph:
// its id is the graph id. Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.Run) error
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)

	// ListRuns returns run metadata, newest first.
	ListRuns(ctx context.Context) ([]*types.RunMeta, error)

	// UpdateRunStatus records a status change. The first RUNNING status sets
	// StartedAt and COMPLETED sets FinishedAt.
	UpdateRunStatus(ctx context.Context, runID string, status types.Status, errMsg string) error

	// Graph shape
	SetEdges(ctx context.Context, runID string, edges []types.EdgeSpec) error
	UpdateNodeState(ctx context.Context, runID string, state *types.NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)

	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all retained events.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}

// applyStatus updates timestamps for a status transition.
func applyStatus(meta *types.RunMeta, status types.Status, errMsg string, now time.Time) {
	meta.Status = status
	meta.Error = errMsg
	meta.UpdatedAt = now
	switch status {
	case types.StatusRunning:
		if meta.StartedAt == nil {
			t := now
			meta.StartedAt = &t
		}
		meta.FinishedAt = nil
	case types.StatusCompleted:
		t := now
		meta.FinishedAt = &t
	}
}
