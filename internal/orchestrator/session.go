package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/taskgraph"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Default bounds for session state.
const (
	DefaultMaxResults = 64
	DefaultMaxHistory = 16
)

// ring is a fixed-capacity buffer that evicts its oldest item.
type ring[T any] struct {
	items []T
	cap   int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{cap: capacity}
}

func (r *ring[T]) push(v T) {
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items = r.items[:r.cap-1]
	}
	r.items = append(r.items, v)
}

func (r *ring[T]) all() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring[T]) reset() { r.items = r.items[:0] }

// Session is the state of one logical conversation. It is owned by a single
// caller at a time; see Sessions for serialized access by context id.
type Session struct {
	ContextID string

	// Graph is nil until the first query of a fresh session.
	Graph *taskgraph.Graph

	// Context is the domain context carried by the latest planning artifact.
	Context json.RawMessage

	// StartID is the node the previous walk started from.
	StartID string

	history  *ring[string]
	results  *ring[types.Result]
	lastUsed time.Time
}

// NewSession creates an empty session. Non-positive bounds use the defaults.
func NewSession(contextID string, maxHistory, maxResults int) *Session {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Session{
		ContextID: contextID,
		history:   newRing[string](maxHistory),
		results:   newRing[types.Result](maxResults),
		lastUsed:  time.Now(),
	}
}

// Reset discards the graph and all accumulated state and rebinds the
// session to contextID.
func (s *Session) Reset(contextID string) {
	s.ContextID = contextID
	s.Graph = nil
	s.Context = nil
	s.StartID = ""
	s.history.reset()
	s.results.reset()
}

// History returns past queries, oldest first.
func (s *Session) History() []string { return s.history.all() }

// Results returns accumulated results, oldest first.
func (s *Session) Results() []types.Result { return s.results.all() }

func (s *Session) addQuery(q string) { s.history.push(q) }
func (s *Session) addResult(r types.Result) { s.results.push(r) }
func (s *Session) touch() { s.lastUsed = time.Now() }
func (s *Session) idleSince(now time.Time) time.Duration { return now.Sub(s.lastUsed) }

// SessionSnapshot is a read-only view of a session.
type SessionSnapshot struct {
	ContextID string              `json:"context_id"`
	Graph     *taskgraph.Snapshot `json:"graph,omitempty"`
	Context   json.RawMessage     `json:"context,omitempty"`
	History   []string            `json:"history"`
	Results   []types.Result      `json:"results"`
	LastUsed  time.Time           `json:"last_used"`
	Busy      bool                `json:"busy,omitempty"`
}

// Snapshot copies the session for display.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ContextID: s.ContextID,
		Context:   s.Context,
		History:   s.History(),
		Results:   s.Results(),
		LastUsed:  s.lastUsed,
	}
	if s.Graph != nil {
		g := s.Graph.Snapshot()
		snap.Graph = &g
	}
	return snap
}
