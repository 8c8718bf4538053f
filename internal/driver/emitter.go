package driver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// RunStoreEmitter adapts a RunStore to the EventEmitter interface.
type RunStoreEmitter struct {
	store  runstore.RunStore
	logger *slog.Logger
}

// NewRunStoreEmitter creates a new emitter backed by a RunStore.
func NewRunStoreEmitter(store runstore.RunStore, logger *slog.Logger) *RunStoreEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStoreEmitter{store: store, logger: logger}
}

// EmitEvent appends the event to the run's log. Events for runs the store
// does not know are dropped.
func (e *RunStoreEmitter) EmitEvent(ctx context.Context, runID string, input *types.EventInput) error {
	if runID == "" {
		return nil
	}
	_, err := e.store.AppendEvent(ctx, runID, input)
	if errors.Is(err, runstore.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Error("failed to emit event",
			slog.String("run_id", runID),
			slog.String("event_type", string(input.Type)),
			slog.Any("error", err))
	}
	return err
}

var _ EventEmitter = (*RunStoreEmitter)(nil)
