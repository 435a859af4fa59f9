package authz

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// conditionInput is the evaluation context exposed to grant conditions.
type conditionInput struct {
	Now      time.Time
	Agent    string
	Task     string
	Resource string
	Access   string
}

// conditionEvaluator compiles and runs CEL grant conditions. Programs are
// cached by expression so the check path pays compilation once.
type conditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("now", cel.TimestampType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("task", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("access", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("authz: build condition env: %w", err)
	}
	return &conditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile validates an expression and caches its program. Returns an error
// for expressions that do not compile or do not yield a boolean.
func (e *conditionEvaluator) compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *conditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// evaluate runs the condition. Any runtime fault returns an error; the
// caller treats that as an unsatisfied condition.
func (e *conditionEvaluator) evaluate(expr string, input conditionInput) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	val, _, err := prg.Eval(map[string]interface{}{
		"now":      input.Now,
		"agent":    input.Agent,
		"task":     input.Task,
		"resource": input.Resource,
		"access":   input.Access,
	})
	if err != nil {
		return false, err
	}

	holds, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned non-bool %T", val.Value())
	}
	return holds, nil
}
