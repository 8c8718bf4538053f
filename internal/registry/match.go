package registry

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MatchEvaluator compiles and caches agent match expressions. Expressions
// see the environment {task string, key string, words []string}.
type MatchEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewMatchEvaluator creates a new expression evaluator.
func NewMatchEvaluator() *MatchEvaluator {
	return &MatchEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// MatchEnv is the evaluation environment for match expressions.
func MatchEnv(key, task string) map[string]any {
	return map[string]any{
		"task":  task,
		"key":   key,
		"words": tokenize(task),
	}
}

// Matches evaluates expression and reports whether it produced true.
func (e *MatchEvaluator) Matches(expression string, env map[string]any) (bool, error) {
	if len(expression) > e.MaxExpressionLength {
		return false, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile expression %q: %w", expression, err)
		}

		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
	return b, nil
}
