package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParsePlan(t *testing.T) {
	t.Run("bare task list", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"tasks":[{"description":"book flight"},{"description":"book hotel"}]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Tasks) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
		}
		if plan.Tasks[0].Description != "book flight" || plan.Tasks[1].Description != "book hotel" {
			t.Errorf("unexpected tasks: %+v", plan.Tasks)
		}
		if plan.Context != nil {
			t.Errorf("expected no context, got %s", plan.Context)
		}
	})

	t.Run("planner envelope with trip info", func(t *testing.T) {
		body := `{"status":"completed","content":{"original_query":"plan trip","trip_info":{"destination":"Paris"},"tasks":[{"id":1,"description":"book flight","status":"pending"}]}}`
		plan, err := ParsePlan([]byte(body))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Tasks) != 1 {
			t.Fatalf("expected 1 task, got %d", len(plan.Tasks))
		}
		if string(plan.Context) != `{"destination":"Paris"}` {
			t.Errorf("unexpected context: %s", plan.Context)
		}
	})

	t.Run("remaining fields become context", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"tasks":[],"budget":100}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Tasks) != 0 {
			t.Errorf("expected no tasks, got %d", len(plan.Tasks))
		}
		if string(plan.Context) != `{"budget":100}` {
			t.Errorf("unexpected context: %s", plan.Context)
		}
	})

	t.Run("blank descriptions dropped", func(t *testing.T) {
		plan, err := ParsePlan([]byte(`{"tasks":[{"description":"  "},{"description":"a"}]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Tasks) != 1 || plan.Tasks[0].Description != "a" {
			t.Errorf("unexpected tasks: %+v", plan.Tasks)
		}
	})

	t.Run("not planning", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"answer":"42"}`))
		if !errors.Is(err, ErrNotPlanning) {
			t.Errorf("expected ErrNotPlanning, got %v", err)
		}
	})

	t.Run("malformed tasks", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"tasks":"book flight"}`))
		if err == nil || errors.Is(err, ErrNotPlanning) {
			t.Errorf("expected decode error, got %v", err)
		}
	})
}

func TestArtifactIsPlanning(t *testing.T) {
	tests := []struct {
		name string
		art  *Artifact
		want bool
	}{
		{"nil", nil, false},
		{"text only", &Artifact{Text: "done"}, false},
		{"data without tasks", &Artifact{Data: json.RawMessage(`{"x":1}`)}, false},
		{"tasks", &Artifact{Data: json.RawMessage(`{"tasks":[]}`)}, true},
		{"nested tasks", &Artifact{Data: json.RawMessage(`{"content":{"tasks":[]}}`)}, true},
		{"array payload", &Artifact{Data: json.RawMessage(`[1,2]`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.art.IsPlanning(); got != tt.want {
				t.Errorf("IsPlanning() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseNDJSON(t *testing.T) {
	t.Run("input required defaults question", func(t *testing.T) {
		ev, _, err := ParseNDJSON([]byte(`{"type":"input_required"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ir, ok := ev.(*InputRequired)
		if !ok {
			t.Fatalf("expected *InputRequired, got %T", ev)
		}
		if ir.Question != DefaultQuestion {
			t.Errorf("expected default question, got %q", ir.Question)
		}
	})

	t.Run("artifact", func(t *testing.T) {
		ev, _, err := ParseNDJSON([]byte(`{"type":"artifact","data":{"tasks":[{"description":"a"}]}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		art, ok := ev.(*Artifact)
		if !ok {
			t.Fatalf("expected *Artifact, got %T", ev)
		}
		if !art.IsPlanning() {
			t.Error("expected planning artifact")
		}
	})

	t.Run("completed", func(t *testing.T) {
		ev, _, err := ParseNDJSON([]byte(`{"type":"completed"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := ev.(*Completed); !ok {
			t.Errorf("expected *Completed, got %T", ev)
		}
	})

	t.Run("log line", func(t *testing.T) {
		ev, in, err := ParseNDJSON([]byte(`{"level":"info","message":"hello"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev != nil {
			t.Errorf("expected no work event, got %T", ev)
		}
		if in == nil || in.Type != EventTypeLog {
			t.Errorf("expected log input, got %+v", in)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if _, _, err := ParseNDJSON([]byte(`not json`)); err == nil {
			t.Error("expected error")
		}
	})
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusPaused)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"PAUSED"` {
		t.Errorf("unexpected encoding %s", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"completed"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StatusCompleted {
		t.Errorf("expected COMPLETED, got %v", s)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestOutcomeJSON(t *testing.T) {
	o := Outcome{Kind: OutcomePaused, NodeID: "n1", Event: &InputRequired{Question: "which city?"}}
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"kind":"paused"`, `"kind":"input_required"`, `"question":"which city?"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}
