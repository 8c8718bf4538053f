package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// ErrNoAgent is returned when no registered agent can handle a task.
var ErrNoAgent = errors.New("no agent can handle task")

// CapabilityPlanner marks agents that produce planning artifacts.
const CapabilityPlanner = "planner"

// Resolver picks the agent for a node.
//
// The planner key resolves to the first agent with the planner capability.
// Any other task goes to the first agent whose match expression is true;
// failing that, to the agent whose name, description, capabilities and
// skills share the most words with the task.
type Resolver struct {
	registry AgentRegistry
	eval     *MatchEvaluator
	logger   *slog.Logger
}

// NewResolver creates a resolver over reg.
func NewResolver(reg AgentRegistry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{registry: reg, eval: NewMatchEvaluator(), logger: logger}
}

// Resolve returns the agent for the given node key and task.
func (r *Resolver) Resolve(ctx context.Context, key, task string) (*Agent, error) {
	if key == types.PlannerKey {
		planners, err := r.registry.List(ctx, &ListOptions{Capabilities: []string{CapabilityPlanner}})
		if err != nil {
			return nil, fmt.Errorf("list planners: %w", err)
		}
		if len(planners) == 0 {
			return nil, fmt.Errorf("%w: no planner registered", ErrNoAgent)
		}
		return planners[0], nil
	}

	agents, err := r.registry.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	env := MatchEnv(key, task)
	for _, a := range agents {
		if a.Match == "" {
			continue
		}
		ok, err := r.eval.Matches(a.Match, env)
		if err != nil {
			r.logger.Warn("agent match expression failed",
				slog.String("agent_id", a.ID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			return a, nil
		}
	}

	words := tokenize(task)
	var best *Agent
	bestScore := 0
	for _, a := range agents {
		if a.HasCapability(CapabilityPlanner) {
			continue
		}
		if s := score(a, words); s > bestScore {
			best, bestScore = a, s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoAgent, task)
	}
	return best, nil
}

// score counts task words that appear in the agent's descriptive fields.
func score(a *Agent, words []string) int {
	vocab := make(map[string]bool)
	add := func(s string) {
		for _, w := range tokenize(s) {
			vocab[w] = true
		}
	}
	add(a.Name)
	add(a.Description)
	for _, c := range a.Capabilities {
		add(c)
	}
	for _, s := range a.Skills {
		add(s)
	}

	n := 0
	for _, w := range words {
		if vocab[w] {
			n++
		}
	}
	return n
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "into": true, "please": true,
}

// tokenize lower-cases s and splits it into words of three or more letters.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
