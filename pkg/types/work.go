package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Attribute keys threaded through to executors.
const (
	AttrQuery     = "query"
	AttrTaskID    = "task_id"
	AttrContextID = "context_id"
)

// PlannerKey marks the node whose artifact describes follow-on tasks.
const PlannerKey = "planner"

// DefaultQuestion is used when an input request arrives without text.
const DefaultQuestion = "Need more information"

// ErrNotPlanning is returned when an artifact carries no task list.
var ErrNotPlanning = errors.New("artifact is not a planning artifact")

// WorkRequest is everything an executor needs to carry out one node.
type WorkRequest struct {
	RunID      string            `json:"run_id,omitempty"`
	NodeID     string            `json:"node_id"`
	Key        string            `json:"key,omitempty"`
	Label      string            `json:"label,omitempty"`
	Task       string            `json:"task"`
	Query      string            `json:"query"`
	TaskID     string            `json:"task_id,omitempty"`
	ContextID  string            `json:"context_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsPlanner reports whether the request targets the planner node.
func (r *WorkRequest) IsPlanner() bool {
	return r.Key == PlannerKey
}

// WorkEvent is one item of an executor's event stream. The set of
// implementations is closed: Completed, StatusWorking, InputRequired
// and Artifact.
type WorkEvent interface {
	workEvent()
	Kind() string
}

// Completed signals the node finished normally.
type Completed struct {
	Message string `json:"message,omitempty"`
}

// StatusWorking is a non-terminal progress update.
type StatusWorking struct {
	Message string `json:"message,omitempty"`
}

// InputRequired signals the node cannot continue without external input.
type InputRequired struct {
	Question  string `json:"question"`
	TaskID    string `json:"task_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// Artifact is a result produced by a node. Data holds a structured payload
// and Text any plain text parts.
type Artifact struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Text string          `json:"text,omitempty"`
}

func (*Completed) workEvent() {}
func (*StatusWorking) workEvent()   {}
func (*InputRequired) workEvent()   {}
func (*Artifact) workEvent()        {}

func (*Completed) Kind() string { return "completed" }
func (*StatusWorking) Kind() string   { return "working" }
func (*InputRequired) Kind() string   { return "input_required" }
func (*Artifact) Kind() string        { return "artifact" }

// IsPlanning reports whether the artifact carries a tasks list.
func (a *Artifact) IsPlanning() bool {
	if a == nil || len(a.Data) == 0 {
		return false
	}
	_, ok := planBody(a.Data)
	return ok
}

// Plan extracts the planning payload. It returns ErrNotPlanning when the
// artifact has no tasks field and a wrapped decode error when the field is
// present but malformed.
func (a *Artifact) Plan() (*Plan, error) {
	if a == nil || len(a.Data) == 0 {
		return nil, ErrNotPlanning
	}
	return ParsePlan(a.Data)
}

// String renders the artifact for summaries and logs.
func (a *Artifact) String() string {
	if a == nil {
		return ""
	}
	switch {
	case a.Text != "" && len(a.Data) > 0:
		return a.Text + " " + string(a.Data)
	case a.Text != "":
		return a.Text
	default:
		return string(a.Data)
	}
}

// PlannedTask is one follow-on task described by a planner.
type PlannedTask struct {
	ID          json.RawMessage `json:"id,omitempty"`
	Description string          `json:"description"`
	Status      string          `json:"status,omitempty"`
}

// Plan is the decoded form of a planning artifact.
type Plan struct {
	Tasks   []PlannedTask   `json:"tasks"`
	Context json.RawMessage `json:"context,omitempty"`
}

// ParsePlan decodes a planning payload. Both a bare {"tasks": [...]} object
// and the planner response envelope {"status": ..., "content": {"tasks": [...]}}
// are accepted. Domain context is taken from "context" or "trip_info", and
// falls back to the whole body minus the task list.
func ParsePlan(data []byte) (*Plan, error) {
	body, ok := planBody(data)
	if !ok {
		return nil, ErrNotPlanning
	}

	var tasks []PlannedTask
	if err := json.Unmarshal(body["tasks"], &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	kept := tasks[:0]
	for _, t := range tasks {
		t.Description = strings.TrimSpace(t.Description)
		if t.Description == "" {
			continue
		}
		kept = append(kept, t)
	}

	plan := &Plan{Tasks: kept}
	for _, k := range []string{"context", "trip_info"} {
		if raw, ok := body[k]; ok && len(raw) > 0 && string(raw) != "null" {
			plan.Context = raw
			return plan, nil
		}
	}
	delete(body, "tasks")
	if len(body) > 0 {
		rest, err := json.Marshal(body)
		if err == nil {
			plan.Context = rest
		}
	}
	return plan, nil
}

// planBody finds the object holding the tasks field.
func planBody(data []byte) (map[string]json.RawMessage, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, false
	}
	if _, ok := top["tasks"]; ok {
		return top, true
	}
	if content, ok := top["content"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(content, &inner); err == nil {
			if _, ok := inner["tasks"]; ok {
				return inner, true
			}
		}
	}
	return nil, false
}

// Result is an accumulated artifact together with the node that produced it.
type Result struct {
	NodeID   string    `json:"node_id"`
	Task     string    `json:"task"`
	Artifact *Artifact `json:"artifact"`
}
