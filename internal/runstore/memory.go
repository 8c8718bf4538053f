package runstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	meta        types.RunMeta
	nodes       map[string]*types.NodeState
	nodeOrder   []string
	edges       []types.EdgeSpec
	events      []*types.Event
	nextSeq     int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) run(runID string) (*memoryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, r *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}

	now := time.Now().UTC()
	run := &memoryRun{
		meta: types.RunMeta{
			ID:        r.ID,
			ContextID: r.ContextID,
			Status:    r.Status,
			Metadata:  r.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		},
		nodes:       make(map[string]*types.NodeState),
		edges:       slices.Clone(r.Edges),
		nextSeq:     1,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	for i := range r.Nodes {
		n := r.Nodes[i]
		run.nodes[n.NodeID] = &n
		run.nodeOrder = append(run.nodeOrder, n.NodeID)
	}
	s.runs[r.ID] = run
	return nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	meta := run.meta
	return &meta, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := &types.Run{
		ID:         run.meta.ID,
		ContextID:  run.meta.ContextID,
		Status:     run.meta.Status,
		Edges:      slices.Clone(run.edges),
		StartedAt:  run.meta.StartedAt,
		FinishedAt: run.meta.FinishedAt,
		Error:      run.meta.Error,
		Metadata:   run.meta.Metadata,
		CreatedAt:  run.meta.CreatedAt,
		UpdatedAt:  run.meta.UpdatedAt,
	}
	for _, id := range run.nodeOrder {
		out.Nodes = append(out.Nodes, *run.nodes[id])
	}
	return out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	metas := make([]*types.RunMeta, 0, len(runs))
	for _, run := range runs {
		run.mu.RLock()
		meta := run.meta
		run.mu.RUnlock()
		metas = append(metas, &meta)
	}
	slices.SortFunc(metas, func(a, b *types.RunMeta) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return metas, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.Status, errMsg string) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	applyStatus(&run.meta, status, errMsg, time.Now().UTC())
	return nil
}

func (s *MemoryStore) SetEdges(ctx context.Context, runID string, edges []types.EdgeSpec) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.edges = slices.Clone(edges)
	run.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if _, ok := run.nodes[state.NodeID]; !ok {
		run.nodeOrder = append(run.nodeOrder, state.NodeID)
	}
	st := *state
	run.nodes[state.NodeID] = &st
	run.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	state, ok := run.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in run %s", ErrNodeNotFound, nodeID, runID)
	}
	st := *state
	return &st, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	if s.config.EventMaxLen > 0 && int64(len(run.events)) >= s.config.EventMaxLen {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.meta.UpdatedAt = event.Timestamp

	// Notify while holding the lock so cleanup cannot race a send.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	run.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		return slices.Clone(run.events), nil
	}

	lastSeq, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", lastEventID, err)
	}
	var result []*types.Event
	for _, evt := range run.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			run.mu.Lock()
			if _, ok := run.subscribers[ch]; ok {
				delete(run.subscribers, ch)
				close(ch)
			}
			run.mu.Unlock()
		})
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":    "memory",
		"healthy":    true,
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
