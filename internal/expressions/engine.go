package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (conditions), Expr (conditions), GoJQ (extract transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}

// Engines bundles one instance of each engine. Safe for concurrent use.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines creates all expression engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// ForLang returns the condition engine for lang. An empty lang selects CEL.
func (e *Engines) ForLang(lang string) (Engine, error) {
	switch lang {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	case "jq":
		return e.JQ, nil
	default:
		return nil, fmt.Errorf("unknown expression language %q", lang)
	}
}

// ConditionData builds the evaluation environment for expression conditions.
func ConditionData(pageURL string, vars map[string]any) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"page": map[string]any{"url": pageURL},
		"vars": vars,
	}
}
