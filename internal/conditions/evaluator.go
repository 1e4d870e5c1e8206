// Package conditions evaluates workflow conditions against a read-only page.
package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// DefaultPollInterval is the delay between checks of a polled condition.
const DefaultPollInterval = 100 * time.Millisecond

// Evaluator evaluates conditions. It holds no per-run state and is safe for
// concurrent use.
type Evaluator struct {
	engines      *expressions.Engines
	pollInterval time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// NewEvaluator creates an Evaluator. engines serves expression conditions.
func NewEvaluator(engines *expressions.Engines, opts ...Option) *Evaluator {
	e := &Evaluator{engines: engines, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether cond holds on page.
//
// Element and URL conditions are re-checked until they hold or their timeout
// elapses; without a timeout they are checked once. js_eval and expression
// conditions are checked once. and/or short-circuit left to right.
// Failures are returned as CONDITION_EVALUATION_ERROR.
func (e *Evaluator) Evaluate(ctx context.Context, cond workflow.Condition, page browser.PageState, vars map[string]any) (bool, error) {
	switch c := cond.(type) {
	case *workflow.And:
		for _, sub := range c.Conditions {
			ok, err := e.Evaluate(ctx, sub, page, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case *workflow.Or:
		for _, sub := range c.Conditions {
			ok, err := e.Evaluate(ctx, sub, page, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case *workflow.Not:
		ok, err := e.Evaluate(ctx, c.Condition, page, vars)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case *workflow.JSEval:
		return e.jsEval(ctx, c, page)

	case *workflow.Expression:
		return e.expression(ctx, c, page, vars)

	case *workflow.ElementExists:
		return e.poll(ctx, c.Timeout, func(ctx context.Context) (bool, error) {
			els, err := page.QueryElements(ctx, c.Selector)
			return len(els) > 0, err
		})

	case *workflow.ElementVisible:
		return e.poll(ctx, c.Timeout, func(ctx context.Context) (bool, error) {
			els, err := page.QueryElements(ctx, c.Selector)
			if err != nil {
				return false, err
			}
			for _, el := range els {
				if el.Visible {
					return true, nil
				}
			}
			return false, nil
		})

	case *workflow.ElementText:
		return e.poll(ctx, c.Timeout, func(ctx context.Context) (bool, error) {
			els, err := page.QueryElements(ctx, c.Selector)
			if err != nil || len(els) == 0 {
				return false, err
			}
			text := strings.TrimSpace(els[0].Text)
			if c.Equals != nil && text != *c.Equals {
				return false, nil
			}
			if c.Contains != nil && !strings.Contains(text, *c.Contains) {
				return false, nil
			}
			return true, nil
		})

	case *workflow.ElementCount:
		return e.poll(ctx, c.Timeout, func(ctx context.Context) (bool, error) {
			els, err := page.QueryElements(ctx, c.Selector)
			if err != nil {
				return false, err
			}
			n := len(els)
			if c.Min != nil && n < *c.Min {
				return false, nil
			}
			if c.Max != nil && n > *c.Max {
				return false, nil
			}
			return true, nil
		})

	case *workflow.URLContains:
		return e.pollURL(ctx, c.Timeout, page, func(u string) bool { return strings.Contains(u, c.Value) })

	case *workflow.URLEquals:
		return e.pollURL(ctx, c.Timeout, page, func(u string) bool { return u == c.Value })

	case *workflow.URLMatches:
		if c.Pattern == nil {
			return false, schema.NewError(schema.ErrCodeConditionEvaluation, "url_matches condition has no pattern")
		}
		return e.pollURL(ctx, c.Timeout, page, c.Pattern.MatchString)

	case nil:
		return false, schema.NewError(schema.ErrCodeConditionEvaluation, "condition is nil")
	}

	return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation, "unsupported condition %T", cond)
}

func (e *Evaluator) pollURL(ctx context.Context, timeout time.Duration, page browser.PageState, match func(string) bool) (bool, error) {
	return e.poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		u, err := page.URL(ctx)
		if err != nil {
			return false, err
		}
		return match(u), nil
	})
}

// poll re-runs check until it holds or timeout elapses. A failing check is
// treated as "not yet" while time remains; the last failure is reported if the
// condition never held.
func (e *Evaluator) poll(ctx context.Context, timeout time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	ok, err := check(ctx)
	if ok {
		return true, nil
	}
	if timeout <= 0 {
		return false, wrapPageErr(err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, wrapPageErr(err)
		case <-ticker.C:
			ok, err = check(ctx)
			if ok {
				return true, nil
			}
		}
	}
}

func wrapPageErr(err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConditionEvaluation, "query page: %s", err.Error()).WithCause(err)
}

func (e *Evaluator) jsEval(ctx context.Context, c *workflow.JSEval, page browser.PageState) (bool, error) {
	got, err := page.Evaluate(ctx, c.Expression)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation, "js_eval %q: %s", c.Expression, err.Error()).
			WithCause(err)
	}
	if c.Expected == nil {
		return truthy(got), nil
	}
	return jsonEqual(got, c.Expected), nil
}

func (e *Evaluator) expression(ctx context.Context, c *workflow.Expression, page browser.PageState, vars map[string]any) (bool, error) {
	if e.engines == nil {
		return false, schema.NewError(schema.ErrCodeConditionEvaluation, "expression conditions are not configured")
	}
	eng, err := e.engines.ForLang(c.Lang)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeConditionEvaluation, err.Error())
	}
	u, err := page.URL(ctx)
	if err != nil {
		return false, wrapPageErr(err)
	}

	out, err := eng.Evaluate(ctx, c.Source, expressions.ConditionData(u, vars))
	if err != nil {
		return false, schema.AsFlowError(err, schema.ErrCodeConditionEvaluation)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"expression %q returned %T, want bool", c.Source, out)
	}
	return b, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// jsonEqual compares values after normalizing them through JSON, so 1 and
// 1.0 (or a YAML int and a JS number) compare equal.
func jsonEqual(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}
