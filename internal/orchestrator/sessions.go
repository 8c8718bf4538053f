package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/metrics"
)

// ErrSessionBusy is returned by Acquire when ctx ends while another caller
// holds the session.
var ErrSessionBusy = errors.New("session is busy")

// SessionsConfig bounds the registry.
type SessionsConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	MaxHistory    int
	MaxResults    int
}

// DefaultSessionsConfig returns the default registry configuration.
func DefaultSessionsConfig() *SessionsConfig {
	return &SessionsConfig{
		IdleTTL:       30 * time.Minute,
		SweepInterval: time.Minute,
		MaxHistory:    DefaultMaxHistory,
		MaxResults:    DefaultMaxResults,
	}
}

type sessionEntry struct {
	// lock is a one-slot semaphore so Acquire can honour ctx.
	lock chan struct{}
	sess *Session
}

// Sessions maps context ids to sessions and serializes access to each one.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	cfg     *SessionsConfig
	logger  *slog.Logger
}

// NewSessions creates an empty registry.
func NewSessions(cfg *SessionsConfig, logger *slog.Logger) *Sessions {
	if cfg == nil {
		cfg = DefaultSessionsConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		entries: make(map[string]*sessionEntry),
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Sessions) entry(contextID string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[contextID]
	if !ok {
		e = &sessionEntry{
			lock: make(chan struct{}, 1),
			sess: NewSession(contextID, s.cfg.MaxHistory, s.cfg.MaxResults),
		}
		s.entries[contextID] = e
		metrics.SessionsActive.Set(float64(len(s.entries)))
	}
	return e
}

// Acquire returns the session for contextID, creating it if needed, and
// holds it until Release. It blocks while another caller holds it.
func (s *Sessions) Acquire(ctx context.Context, contextID string) (*Session, error) {
	e := s.entry(contextID)
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrSessionBusy
	}

	// The entry may have been deleted while we waited.
	s.mu.Lock()
	cur, ok := s.entries[contextID]
	if !ok {
		s.entries[contextID] = e
		metrics.SessionsActive.Set(float64(len(s.entries)))
	} else if cur != e {
		s.mu.Unlock()
		<-e.lock
		return s.Acquire(ctx, contextID)
	}
	s.mu.Unlock()

	e.sess.touch()
	return e.sess, nil
}

// Release gives back a session obtained from Acquire.
func (s *Sessions) Release(sess *Session) {
	s.mu.Lock()
	e, ok := s.entries[sess.ContextID]
	s.mu.Unlock()

	if ok && e.sess == sess {
		sess.touch()
		<-e.lock
		return
	}

	// The session was rebound to another context id or deleted; find its
	// entry by identity.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.sess == sess {
			sess.touch()
			<-e.lock
			return
		}
	}
}

// Get returns a snapshot of the session for contextID. It does not wait for
// a running call.
func (s *Sessions) Get(contextID string) (SessionSnapshot, bool) {
	s.mu.Lock()
	e, ok := s.entries[contextID]
	s.mu.Unlock()
	if !ok {
		return SessionSnapshot{}, false
	}

	select {
	case e.lock <- struct{}{}:
		defer func() { <-e.lock }()
		return e.sess.Snapshot(), true
	default:
		// Busy; the graph belongs to the running call.
		return SessionSnapshot{ContextID: contextID, Busy: true}, true
	}
}

// Delete drops the session for contextID. A caller holding it keeps its
// copy until Release.
func (s *Sessions) Delete(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[contextID]; !ok {
		return false
	}
	delete(s.entries, contextID)
	metrics.SessionsActive.Set(float64(len(s.entries)))
	return true
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts sessions idle for longer than the configured TTL. Sessions
// in use are skipped.
func (s *Sessions) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if e.sess.idleSince(now) > s.cfg.IdleTTL {
			delete(s.entries, id)
			evicted++
		}
		<-e.lock
	}
	if evicted > 0 {
		metrics.SessionsActive.Set(float64(len(s.entries)))
		s.logger.Info("evicted idle sessions", slog.Int("count", evicted))
	}
	return evicted
}

// Run sweeps on a ticker until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	if s.cfg.IdleTTL <= 0 {
		return
	}
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
