package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/browserflow/pkg/schema"
)

// GoJQEngine reshapes values returned by extract and execute_js steps before
// they are stored under `as`.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("jq")
	}
	_, err := e.cache.get(expression)
	return err
}

// Evaluate runs expression with data as its input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Transform(ctx, expression, data)
}

// Transform runs expression over an extracted value: a string, a list of
// strings or a decoded script result. No output yields nil, one output is
// returned as is, several are collected into a []any.
func (e *GoJQEngine) Transform(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, expressionError(schema.ErrCodeStepExecution, "jq", "evaluation failed", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, expressionError(schema.ErrCodeValidation, "jq", "parse error", expression, err)
	}
	// $ENV is empty so transforms cannot read the worker's environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError(schema.ErrCodeValidation, "jq", "compile error", expression, err)
	}
	return code, nil
}

// jqValue converts Go values into the types gojq accepts: float64 numbers,
// []any and map[string]any.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
