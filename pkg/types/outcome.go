package types

import "encoding/json"

// OutcomeKind tags what a caller-facing outcome carries.
type OutcomeKind string

const (
	OutcomeEvent   OutcomeKind = "event"
	OutcomePaused  OutcomeKind = "paused"
	OutcomeSummary OutcomeKind = "summary"
)

// Outcome is one item of the caller-facing stream. A call ends with either
// a Paused outcome or a Summary outcome.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	ContextID string      `json:"context_id,omitempty"`
	NodeID    string      `json:"node_id,omitempty"`
	NodeKey   string      `json:"node_key,omitempty"`
	Event     WorkEvent   `json:"-"`
	Summary   string      `json:"summary,omitempty"`
}

// Terminal reports whether the outcome ends the call.
func (o *Outcome) Terminal() bool {
	return o.Kind == OutcomePaused || o.Kind == OutcomeSummary
}

// MarshalJSON flattens the event into {"event": {"kind": ..., ...}}.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	out := struct {
		alias
		Event *taggedEvent `json:"event,omitempty"`
	}{alias: alias(o)}
	if o.Event != nil {
		out.Event = &taggedEvent{Kind: o.Event.Kind(), Body: o.Event}
	}
	return json.Marshal(out)
}

type taggedEvent struct {
	Kind string
	Body WorkEvent
}

func (t *taggedEvent) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(t.Body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	kind, _ := json.Marshal(t.Kind)
	fields["kind"] = kind
	return json.Marshal(fields)
}
