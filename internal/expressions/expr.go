package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/browserflow/pkg/schema"
)

// ExprEngine evaluates conditions written in expr-lang (lang: expr). Unlike
// CEL it tolerates undefined names, and offers nil coalescing (??), optional
// chaining (?.) and the array builtins.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache(compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("expr")
	}
	_, err := e.cache.get(expression)
	return err
}

// Evaluate runs expression with page and vars bound as in CEL. Other keys of
// data are exposed as extra top-level names.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	env := activation(data)
	for k, v := range data {
		if _, bound := env[k]; !bound {
			env[k] = v
		}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, expressionError(schema.ErrCodeConditionEvaluation, "expr", "evaluation failed", expression, err)
	}
	return out, nil
}

// compileExpr compiles against a fixed untyped environment so a cached program
// does not depend on whichever data reached it first.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(activation(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, expressionError(schema.ErrCodeValidation, "expr", "compile error", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
