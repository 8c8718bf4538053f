package driver

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// AgentResolver picks the agent that should handle a node.
type AgentResolver interface {
	Resolve(ctx context.Context, key, task string) (*registry.Agent, error)
}

// Router executes work requests by resolving an agent and dispatching to
// the driver registered for its runtime. It satisfies taskgraph.Executor.
type Router struct {
	resolver AgentResolver
	drivers  map[registry.Runtime]Driver
	timeout  time.Duration
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDriver registers d for agents of the given runtime.
func WithDriver(rt registry.Runtime, d Driver) RouterOption {
	return func(r *Router) { r.drivers[rt] = d }
}

// WithTimeout bounds every node execution.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over resolver.
func NewRouter(resolver AgentResolver, opts ...RouterOption) *Router {
	r := &Router{
		resolver: resolver,
		drivers:  make(map[registry.Runtime]Driver),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute resolves the agent for req and streams its events.
func (r *Router) Execute(ctx context.Context, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	return func(yield func(types.WorkEvent, error) bool) {
		agent, err := r.resolver.Resolve(ctx, req.Key, req.Task)
		if err != nil {
			yield(nil, fmt.Errorf("resolve %q: %w", req.Key, err))
			return
		}
		d, ok := r.drivers[agent.Runtime]
		if !ok {
			yield(nil, fmt.Errorf("%w: %s (agent %s)", ErrUnsupportedRuntime, agent.Runtime, agent.ID))
			return
		}

		r.logger.Debug("dispatching node",
			slog.String("run_id", req.RunID),
			slog.String("node_id", req.NodeID),
			slog.String("key", req.Key),
			slog.String("agent_id", agent.ID),
			slog.String("runtime", string(agent.Runtime)))

		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		for ev, err := range d.Execute(ctx, agent, req) {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}
