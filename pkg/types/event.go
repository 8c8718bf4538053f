package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType categorizes a recorded event.
type EventType string

const (
	EventTypeStreamStart   EventType = "stream_start"
	EventTypeStreamEnd     EventType = "stream_end"
	EventTypeLog           EventType = "log"
	EventTypeNodeStatus    EventType = "node_status"
	EventTypeRunStatus     EventType = "run_status"
	EventTypeProgress      EventType = "progress"
	EventTypeArtifact      EventType = "artifact"
	EventTypeInputRequired EventType = "input_required"
	EventTypePlanExtended  EventType = "plan_extended"
	EventTypeAutoResumed   EventType = "auto_resumed"
	EventTypeSummary       EventType = "summary"
	EventTypeError         EventType = "error"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event is a single entry of a run's recorded event log.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// LogEvent is the payload of log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NodeStatusEvent is the payload of node status events.
type NodeStatusEvent struct {
	Status Status `json:"status"`
	Key    string `json:"key,omitempty"`
	Task   string `json:"task,omitempty"`
}

// RunStatusEvent is the payload of run status events.
type RunStatusEvent struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PlanExtendedEvent records nodes appended after a planning artifact.
type PlanExtendedEvent struct {
	After string   `json:"after"`
	Added []string `json:"added"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// wireEvent is the NDJSON shape emitted by local agents.
type wireEvent struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Question  string          `json:"question,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	ContextID string          `json:"context_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseNDJSON decodes one line of an agent's stdout. Lines that are valid
// JSON but not work events (log lines, unknown types) return a nil event
// and the generic payload so the caller can log them.
func ParseNDJSON(line []byte) (WorkEvent, *EventInput, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch strings.ToLower(w.Type) {
	case "completed", "complete", "done":
		return &Completed{Message: w.Message}, nil, nil
	case "working", "progress", "status":
		return &StatusWorking{Message: w.Message}, nil, nil
	case "input_required", "input-required":
		q := w.Question
		if q == "" {
			q = w.Message
		}
		if q == "" {
			q = DefaultQuestion
		}
		return &InputRequired{Question: q, TaskID: w.TaskID, ContextID: w.ContextID}, nil, nil
	case "artifact", "result":
		return &Artifact{ID: w.ID, Name: w.Name, Data: w.Data, Text: w.Text}, nil, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}
	eventType := EventTypeLog
	if w.Type != "" {
		eventType = EventType(w.Type)
	}
	return nil, &EventInput{Type: eventType, Data: raw}, nil
}
