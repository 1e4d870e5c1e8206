package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/browserflow/pkg/schema"
)

// CELEngine evaluates Common Expression Language conditions. The environment
// declares two variables, page (map with the current url) and vars (run
// variables); referencing anything else is a compile error.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates the CEL engine.
func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("page", dynMap),
		cel.Variable("vars", dynMap),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.cache = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.cache.get(expression)
	return err
}

// Evaluate runs expression with page and vars taken from data. Missing
// variables are bound to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, expressionError(schema.ErrCodeConditionEvaluation, "CEL", "evaluation failed", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, expressionError(schema.ErrCodeValidation, "CEL", "compile error", expression, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, expressionError(schema.ErrCodeValidation, "CEL", "program error", expression, err)
	}
	return prg, nil
}

// activation binds page and vars, defaulting either to an empty map.
func activation(data map[string]any) map[string]any {
	act := map[string]any{"page": map[string]any{}, "vars": map[string]any{}}
	for key := range act {
		if v := data[key]; v != nil {
			act[key] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
