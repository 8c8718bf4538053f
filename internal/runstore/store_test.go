package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, &RedisConfig{Prefix: "test", EventMaxLen: 100}, nil)
}

func backends(t *testing.T) map[string]func() RunStore {
	return map[string]func() RunStore{
		"memory": func() RunStore { return NewMemoryStore(&Config{EventMaxLen: 100}) },
		"redis":  func() RunStore { return newRedisStore(t) },
	}
}

func newRun(id string) *types.Run {
	return &types.Run{
		ID:        id,
		ContextID: "ctx-1",
		Status:    types.StatusReady,
		Nodes: []types.NodeState{
			{NodeID: "planner", Key: types.PlannerKey, Task: "plan a trip", Status: types.StatusReady},
		},
	}
}

func TestRunStore_Lifecycle(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			ctx := context.Background()

			if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
			if err := s.CreateRun(ctx, newRun("run-1")); !errors.Is(err, ErrRunExists) {
				t.Errorf("expected ErrRunExists, got %v", err)
			}

			if err := s.UpdateRunStatus(ctx, "run-1", types.StatusRunning, ""); err != nil {
				t.Fatalf("UpdateRunStatus failed: %v", err)
			}
			meta, err := s.GetRunMeta(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetRunMeta failed: %v", err)
			}
			if meta.Status != types.StatusRunning || meta.StartedAt == nil || meta.ContextID != "ctx-1" {
				t.Errorf("unexpected meta %+v", meta)
			}

			if err := s.UpdateNodeState(ctx, "run-1", &types.NodeState{NodeID: "flights", Task: "book flight", Status: types.StatusCompleted,
				Result: &types.Artifact{Text: "AF123"}}); err != nil {
				t.Fatalf("UpdateNodeState failed: %v", err)
			}
			if err := s.UpdateNodeState(ctx, "run-1", &types.NodeState{NodeID: "planner", Key: types.PlannerKey, Status: types.StatusCompleted}); err != nil {
				t.Fatalf("UpdateNodeState failed: %v", err)
			}
			if err := s.SetEdges(ctx, "run-1", []types.EdgeSpec{{From: "planner", To: "flights"}}); err != nil {
				t.Fatalf("SetEdges failed: %v", err)
			}
			if err := s.UpdateRunStatus(ctx, "run-1", types.StatusCompleted, ""); err != nil {
				t.Fatalf("UpdateRunStatus failed: %v", err)
			}

			run, err := s.GetRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if len(run.Nodes) != 2 || run.Nodes[0].NodeID != "planner" || run.Nodes[1].NodeID != "flights" {
				t.Fatalf("nodes should keep insertion order: %+v", run.Nodes)
			}
			if run.Nodes[0].Status != types.StatusCompleted {
				t.Error("node update should overwrite state")
			}
			if run.Nodes[1].Result == nil || run.Nodes[1].Result.Text != "AF123" {
				t.Error("node result not stored")
			}
			if len(run.Edges) != 1 || run.FinishedAt == nil {
				t.Errorf("unexpected run %+v", run)
			}

			node, err := s.GetNodeState(ctx, "run-1", "flights")
			if err != nil || node.Task != "book flight" {
				t.Errorf("GetNodeState = %+v, %v", node, err)
			}
			if _, err := s.GetNodeState(ctx, "run-1", "missing"); !errors.Is(err, ErrNodeNotFound) {
				t.Errorf("expected ErrNodeNotFound, got %v", err)
			}
		})
	}
}

func TestRunStore_NotFound(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			ctx := context.Background()

			if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("GetRun: expected ErrRunNotFound, got %v", err)
			}
			if err := s.UpdateRunStatus(ctx, "nope", types.StatusRunning, ""); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("UpdateRunStatus: expected ErrRunNotFound, got %v", err)
			}
			if _, err := s.AppendEvent(ctx, "nope", &types.EventInput{Type: types.EventTypeLog}); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("AppendEvent: expected ErrRunNotFound, got %v", err)
			}
			if _, _, err := s.Subscribe(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("Subscribe: expected ErrRunNotFound, got %v", err)
			}
		})
	}
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				if err := s.CreateRun(ctx, newRun(id)); err != nil {
					t.Fatalf("CreateRun failed: %v", err)
				}
				time.Sleep(2 * time.Millisecond)
			}

			metas, err := s.ListRuns(ctx)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(metas) != 3 || metas[0].ID != "c" || metas[2].ID != "a" {
				t.Errorf("unexpected order: %v %v %v", metas[0].ID, metas[1].ID, metas[2].ID)
			}
		})
	}
}

func TestRunStore_Events(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			ctx := context.Background()

			if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			for i := 0; i < 3; i++ {
				if _, err := s.AppendEvent(ctx, "run-1", &types.EventInput{
					Type: types.EventTypeNodeStatus,
					Data: types.NodeStatusEvent{Status: types.StatusRunning},
				}); err != nil {
					t.Fatalf("AppendEvent failed: %v", err)
				}
			}

			all, err := s.GetEventsSince(ctx, "run-1", "")
			if err != nil {
				t.Fatalf("GetEventsSince failed: %v", err)
			}
			if len(all) != 3 || all[0].ID != "1" {
				t.Fatalf("expected 3 events starting at 1, got %d", len(all))
			}

			since, err := s.GetEventsSince(ctx, "run-1", "1")
			if err != nil {
				t.Fatalf("GetEventsSince failed: %v", err)
			}
			if len(since) != 2 || since[0].ID != "2" {
				t.Errorf("expected events 2 and 3, got %d", len(since))
			}
		})
	}
}

func TestRunStore_Subscribe(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
			if _, err := s.AppendEvent(ctx, "run-1", &types.EventInput{Type: types.EventTypeLog}); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}

			ch, cleanup, err := s.Subscribe(ctx, "run-1")
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer cleanup()

			if _, err := s.AppendEvent(ctx, "run-1", &types.EventInput{Type: types.EventTypeSummary, Data: "done"}); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}

			select {
			case ev := <-ch:
				if ev.Type != types.EventTypeSummary || ev.ID != "2" {
					t.Errorf("expected only the new event, got %s %s", ev.Type, ev.ID)
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for event")
			}
		})
	}
}
