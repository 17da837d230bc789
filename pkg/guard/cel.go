package guard

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RuleEngine compiles and evaluates custom policy rule expressions. Rules
// see a single "input" map so policy authors never depend on internal Go
// types. Compiled programs are cached per expression.
type RuleEngine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewRuleEngine builds the shared evaluation environment.
func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("guard: create rule env: %w", err)
	}
	return &RuleEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs expression against input and returns its boolean result.
// Non-boolean results and evaluation failures are errors; callers treat
// them as fail-closed.
func (e *RuleEngine) Evaluate(expression string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile rule: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("build rule program: %w", err)
			}
			e.cache[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("eval rule: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, want bool", out.Value())
	}
	return matched, nil
}
