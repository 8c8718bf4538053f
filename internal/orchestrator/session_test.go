package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

func TestSessionEvictsOldest(t *testing.T) {
	sess := NewSession("ctx-1", 2, 2)
	for _, q := range []string{"one", "two", "three"} {
		sess.addQuery(q)
		sess.addResult(types.Result{Task: q})
	}

	h := sess.History()
	if len(h) != 2 || h[0] != "two" || h[1] != "three" {
		t.Errorf("history = %v", h)
	}
	r := sess.Results()
	if len(r) != 2 || r[0].Task != "two" {
		t.Errorf("results = %v", r)
	}

	// Returned slices are copies.
	h[0] = "mutated"
	if sess.History()[0] != "two" {
		t.Error("History exposed internal state")
	}

	sess.Reset("ctx-2")
	if sess.ContextID != "ctx-2" || len(sess.History()) != 0 || len(sess.Results()) != 0 {
		t.Error("Reset left state behind")
	}
}

func TestSessionsAcquireRelease(t *testing.T) {
	reg := NewSessions(nil, nil)
	ctx := context.Background()

	sess, err := reg.Acquire(ctx, "ctx-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if sess.ContextID != "ctx-1" {
		t.Errorf("context id = %q", sess.ContextID)
	}

	t.Run("busy", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := reg.Acquire(waitCtx, "ctx-1"); !errors.Is(err, ErrSessionBusy) {
			t.Errorf("expected ErrSessionBusy, got %v", err)
		}
		snap, ok := reg.Get("ctx-1")
		if !ok || !snap.Busy {
			t.Errorf("snapshot of held session = %+v, %v", snap, ok)
		}
	})

	t.Run("other contexts are independent", func(t *testing.T) {
		other, err := reg.Acquire(ctx, "ctx-2")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		reg.Release(other)
	})

	reg.Release(sess)

	again, err := reg.Acquire(ctx, "ctx-1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if again != sess {
		t.Error("expected the same session back")
	}
	reg.Release(again)

	snap, ok := reg.Get("ctx-1")
	if !ok || snap.Busy || snap.ContextID != "ctx-1" {
		t.Errorf("snapshot = %+v, %v", snap, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get should miss unknown sessions")
	}
}

func TestSessionsDelete(t *testing.T) {
	reg := NewSessions(nil, nil)
	ctx := context.Background()

	sess, _ := reg.Acquire(ctx, "ctx-1")
	reg.Release(sess)

	if !reg.Delete("ctx-1") {
		t.Fatal("Delete should report the session existed")
	}
	if reg.Delete("ctx-1") {
		t.Error("second Delete should report nothing removed")
	}

	fresh, err := reg.Acquire(ctx, "ctx-1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == sess {
		t.Error("expected a new session after Delete")
	}
	reg.Release(fresh)
}

func TestSessionsSweep(t *testing.T) {
	reg := NewSessions(&SessionsConfig{IdleTTL: time.Minute}, nil)
	ctx := context.Background()

	idle, _ := reg.Acquire(ctx, "idle")
	reg.Release(idle)
	held, _ := reg.Acquire(ctx, "held")

	later := time.Now().Add(2 * time.Minute)
	if n := reg.Sweep(later); n != 1 {
		t.Errorf("evicted %d sessions, want 1", n)
	}
	if _, ok := reg.Get("idle"); ok {
		t.Error("idle session should be evicted")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d", reg.Len())
	}

	reg.Release(held)
	if n := reg.Sweep(time.Now()); n != 0 {
		t.Errorf("fresh session evicted")
	}
}
