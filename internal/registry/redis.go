package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry implements AgentRegistry using Redis for persistence.
// Each agent is a JSON string under <prefix>:agent:<id>; the set
// <prefix>:agents holds every registered id.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	owned  bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
}

// NewRedisRegistry creates a new Redis-backed agent registry.
func NewRedisRegistry(cfg *RedisConfig) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	r := NewRedisRegistryFromClient(client, cfg.Prefix)
	r.owned = true
	return r, nil
}

// NewRedisRegistryFromClient creates a registry from an existing Redis client.
// The client is not closed by Close.
func NewRedisRegistryFromClient(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "taskgraph"
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) agentKey(id string) string {
	return r.prefix + ":agent:" + id
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + ":agents"
}

// Create registers a new agent.
func (r *RedisRegistry) Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agent := newAgent(req, time.Now().UTC())
	data, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}

	// SETNX makes the existence check and the write a single step
	ok, err := r.client.SetNX(ctx, r.agentKey(req.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if !ok {
		return nil, ErrAgentExists
	}
	if err := r.client.SAdd(ctx, r.indexKey(), req.ID).Err(); err != nil {
		return nil, fmt.Errorf("index agent: %w", err)
	}

	return agent, nil
}

// Get retrieves an agent by ID.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	data, err := r.client.Get(ctx, r.agentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// Update modifies an existing agent.
func (r *RedisRegistry) Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req.apply(agent, time.Now().UTC())

	data, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	if err := r.client.Set(ctx, r.agentKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return agent, nil
}

// Delete removes an agent.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.agentKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if del.Val() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// List returns all agents matching the options, ordered by ID.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*Agent, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	if len(ids) == 0 {
		return []*Agent{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.agentKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch agents: %w", err)
	}

	agents := make([]*Agent, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// stale index entry
			r.client.SRem(ctx, r.indexKey(), ids[i])
			continue
		}
		var agent Agent
		if err := json.Unmarshal([]byte(s), &agent); err != nil {
			return nil, fmt.Errorf("unmarshal agent %s: %w", ids[i], err)
		}
		if len(opts.Capabilities) > 0 && !hasAllCapabilities(agent.Capabilities, opts.Capabilities) {
			continue
		}
		agents = append(agents, &agent)
	}
	slices.SortFunc(agents, func(a, b *Agent) int { return cmp.Compare(a.ID, b.ID) })

	return page(agents, opts), nil
}

// Exists checks if an agent with the given ID exists.
func (r *RedisRegistry) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.agentKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}

// Close releases the Redis connection when the registry created it.
func (r *RedisRegistry) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

var _ AgentRegistry = (*RedisRegistry)(nil)
