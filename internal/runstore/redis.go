package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for event streaming and hashes for run metadata.
type RedisStore struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	ttl       time.Duration
	maxEvents int64
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "taskgraph:runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each run's event stream (approximate)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "taskgraph:runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore that owns its client.
func NewRedisStore(cfg *RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := NewRedisStoreFromClient(client, cfg, logger)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreFromClient creates a store over an existing client. The
// store does not close a client it did not create.
func NewRedisStoreFromClient(client *redis.Client, cfg *RedisConfig, logger *slog.Logger) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskgraph:runs"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
		logger:    logger,
	}
}

// Key helpers
func (s *RedisStore) keyIndex() string                 { return s.prefix + ":index" }
func (s *RedisStore) keyMeta(runID string) string      { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyNodes(runID string) string     { return fmt.Sprintf("%s:%s:nodes", s.prefix, runID) }
func (s *RedisStore) keyNodeOrder(runID string) string { return fmt.Sprintf("%s:%s:order", s.prefix, runID) }
func (s *RedisStore) keyEdges(runID string) string     { return fmt.Sprintf("%s:%s:edges", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string    { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string       { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// touch refreshes TTL on all keys for a run.
func (s *RedisStore) touch(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, key := range []string{
		s.keyMeta(runID), s.keyNodes(runID), s.keyNodeOrder(runID),
		s.keyEdges(runID), s.keyEvents(runID), s.keySeq(runID),
	} {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to refresh run TTL", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *RedisStore) exists(ctx context.Context, runID string) error {
	n, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func metaFields(m *types.RunMeta) map[string]any {
	metadata, _ := json.Marshal(m.Metadata)
	return map[string]any{
		"id":         m.ID,
		"contextId":  m.ContextID,
		"status":     m.Status.String(),
		"error":      m.Error,
		"startedAt":  formatTime(m.StartedAt),
		"finishedAt": formatTime(m.FinishedAt),
		"createdAt":  m.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  m.UpdatedAt.Format(time.RFC3339Nano),
		"metadata":   string(metadata),
	}
}

func parseMeta(runID string, h map[string]string) *types.RunMeta {
	m := &types.RunMeta{
		ID:         runID,
		ContextID:  h["contextId"],
		Error:      h["error"],
		StartedAt:  parseTime(h["startedAt"]),
		FinishedAt: parseTime(h["finishedAt"]),
	}
	m.Status, _ = types.ParseStatus(h["status"])
	if t := parseTime(h["createdAt"]); t != nil {
		m.CreatedAt = *t
	}
	if t := parseTime(h["updatedAt"]); t != nil {
		m.UpdatedAt = *t
	}
	if md := h["metadata"]; md != "" && md != "null" {
		_ = json.Unmarshal([]byte(md), &m.Metadata)
	}
	return m
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, r *types.Run) error {
	now := time.Now().UTC()
	meta := &types.RunMeta{
		ID:        r.ID,
		ContextID: r.ContextID,
		Status:    r.Status,
		Metadata:  r.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.client.HSetNX(ctx, s.keyMeta(r.ID), "id", r.ID).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyMeta(r.ID), metaFields(meta))
	pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(now.UnixNano()), Member: r.ID})
	pipe.Set(ctx, s.keySeq(r.ID), "0", 0)
	for _, n := range r.Nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.NodeID, err)
		}
		pipe.HSet(ctx, s.keyNodes(r.ID), n.NodeID, data)
		pipe.RPush(ctx, s.keyNodeOrder(r.ID), n.NodeID)
	}
	if len(r.Edges) > 0 {
		edges, _ := json.Marshal(r.Edges)
		pipe.Set(ctx, s.keyEdges(r.ID), edges, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	s.touch(ctx, r.ID)
	return nil
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	h, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrRunNotFound
	}
	return parseMeta(runID, h), nil
}

// GetRun returns the full run including nodes and edges.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	nodesCmd := pipe.HGetAll(ctx, s.keyNodes(runID))
	orderCmd := pipe.LRange(ctx, s.keyNodeOrder(runID), 0, -1)
	edgesCmd := pipe.Get(ctx, s.keyEdges(runID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	h, err := metaCmd.Result()
	if err != nil || len(h) == 0 {
		return nil, ErrRunNotFound
	}
	m := parseMeta(runID, h)
	run := &types.Run{
		ID:         m.ID,
		ContextID:  m.ContextID,
		Status:     m.Status,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Error:      m.Error,
		Metadata:   m.Metadata,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}

	nodes := nodesCmd.Val()
	for _, id := range orderCmd.Val() {
		var n types.NodeState
		if err := json.Unmarshal([]byte(nodes[id]), &n); err != nil {
			return nil, fmt.Errorf("unmarshal node %s: %w", id, err)
		}
		run.Nodes = append(run.Nodes, n)
	}
	if raw, err := edgesCmd.Result(); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.Edges); err != nil {
			return nil, fmt.Errorf("unmarshal edges: %w", err)
		}
	}
	return run, nil
}

// ListRuns returns run metadata, newest first. Index entries whose run has
// expired are pruned.
func (s *RedisStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keyMeta(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("list runs: %w", err)
		}
	}

	metas := make([]*types.RunMeta, 0, len(ids))
	var stale []any
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			stale = append(stale, id)
			continue
		}
		metas = append(metas, parseMeta(id, h))
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.keyIndex(), stale...).Err()
	}
	return metas, nil
}

// UpdateRunStatus updates the run's status and timestamps.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.Status, errMsg string) error {
	meta, err := s.GetRunMeta(ctx, runID)
	if err != nil {
		return err
	}
	applyStatus(meta, status, errMsg, time.Now().UTC())

	if err := s.client.HSet(ctx, s.keyMeta(runID), metaFields(meta)).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.touch(ctx, runID)
	return nil
}

// SetEdges replaces the run's edge list.
func (s *RedisStore) SetEdges(ctx context.Context, runID string, edges []types.EdgeSpec) error {
	if err := s.exists(ctx, runID); err != nil {
		return err
	}
	data, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	if err := s.client.Set(ctx, s.keyEdges(runID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set edges: %w", err)
	}
	return nil
}

// UpdateNodeState upserts a node's state.
func (s *RedisStore) UpdateNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	if err := s.exists(ctx, runID); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}

	isNew, err := s.client.HSetNX(ctx, s.keyNodes(runID), state.NodeID, data).Result()
	if err != nil {
		return fmt.Errorf("update node state: %w", err)
	}
	if isNew {
		err = s.client.RPush(ctx, s.keyNodeOrder(runID), state.NodeID).Err()
	} else {
		err = s.client.HSet(ctx, s.keyNodes(runID), state.NodeID, data).Err()
	}
	if err != nil {
		return fmt.Errorf("update node state: %w", err)
	}

	s.touch(ctx, runID)
	return nil
}

// GetNodeState retrieves a node's state.
func (s *RedisStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	raw, err := s.client.HGet(ctx, s.keyNodes(runID), nodeID).Result()
	if errors.Is(err, redis.Nil) {
		if existsErr := s.exists(ctx, runID); existsErr != nil {
			return nil, existsErr
		}
		return nil, fmt.Errorf("%w: %s in run %s", ErrNodeNotFound, nodeID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node state: %w", err)
	}

	var state types.NodeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal node state: %w", err)
	}
	return &state, nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	event := &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]any{
			"seq":    event.ID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"nodeId": input.NodeID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.touch(ctx, runID)
	return event, nil
}

func entryToEvent(runID string, entry redis.XMessage) (*types.Event, int64) {
	seqStr, _ := entry.Values["seq"].(string)
	seq, _ := strconv.ParseInt(seqStr, 10, 64)
	ts, _ := entry.Values["ts"].(string)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	nodeID, _ := entry.Values["nodeId"].(string)

	ev := &types.Event{
		ID:     seqStr,
		RunID:  runID,
		Type:   types.EventType(eventType),
		NodeID: nodeID,
		Data:   json.RawMessage(data),
	}
	if t := parseTime(ts); t != nil {
		ev.Timestamp = *t
	}
	return ev, seq
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}

	var lastSeq int64
	if lastEventID != "" {
		var err error
		lastSeq, err = strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", lastEventID, err)
		}
	}

	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		ev, seq := entryToEvent(runID, entry)
		if seq <= lastSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe returns a channel fed from the run's Redis stream, so
// subscribers see events appended by any replica.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, nil, err
	}

	// Start after the newest entry that exists now.
	lastID := "0-0"
	latest, err := s.client.XRevRangeN(ctx, s.keyEvents(runID), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("xrevrange: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	readCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.Event, 100)
	go s.streamReader(readCtx, runID, lastID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis stream and pushes to ch. It owns ch and
// closes it on exit.
func (s *RedisStore) streamReader(ctx context.Context, runID, lastID string, ch chan *types.Event) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				ev, _ := entryToEvent(runID, entry)
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]any{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := s.client.PoolStats()

	return map[string]any{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]any{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"max_events":   s.maxEvents,
			"ping_latency": pingLatency.String(),
			"pool": map[string]any{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection if the store owns it.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
