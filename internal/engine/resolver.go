package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/conditions"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// PrimaryAttempt names the implicit first attempt of an action step with an
// escalation chain: the action as written.
const PrimaryAttempt = "primary"

// captureTimeout bounds the page captures attached to an escalation request.
const captureTimeout = 10 * time.Second

var errVerifyFailed = errors.New("verification condition did not hold")

// Attempt is one strategy the resolver ran.
type Attempt struct {
	Strategy string
	Mode     string // "primary", "steps" or the escalation mode
	Err      error  // nil for the winner
	Duration time.Duration
}

// Resolver runs strategies in order until one wins.
type Resolver struct {
	evaluator  *conditions.Evaluator
	escalators map[schema.EscalationMode]Escalator
	breakers   *Breakers
	observer   Observer
	logger     *slog.Logger
	timeout    time.Duration
}

// Breakers exposes the per-mode circuit breakers.
func (rs *Resolver) Breakers() *Breakers { return rs.breakers }

// Resolve attempts strategies strictly in order. Each attempt runs inside a
// boundary that turns errors and panics into a recorded failure; a strategy
// wins when it completes and its verify condition, if any, holds.
//
// It returns the winner and the failed attempts before it. When every
// strategy fails the error is STRATEGY_EXHAUSTED listing each attempt. When
// ctx ends mid-resolution its error is returned instead.
func (rs *Resolver) Resolve(ctx context.Context, stepKey string, strategies []*workflow.Strategy, t Target) (*Attempt, []Attempt, error) {
	var attempts []Attempt
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		mode := strategyMode(s)
		t.Emit(ctx, schema.EventStrategyAttempted, stepKey, map[string]any{"strategy": s.Name, "mode": mode})

		start := time.Now()
		err := isolate(func() error { return rs.attempt(ctx, stepKey, s, t) })
		a := Attempt{Strategy: s.Name, Mode: mode, Err: err, Duration: time.Since(start)}

		if err == nil {
			rs.observer.StrategyAttempt(mode, "won", a.Duration)
			if s.Name != PrimaryAttempt || len(attempts) > 0 {
				rs.logger.InfoContext(ctx, "strategy won", "strategy", s.Name, "mode", mode, "failed_before", len(attempts))
			}
			t.Emit(ctx, schema.EventStrategyWon, stepKey, map[string]any{"strategy": s.Name, "mode": mode})
			return &a, attempts, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}

		attempts = append(attempts, a)
		rs.observer.StrategyAttempt(mode, "failed", a.Duration)
		rs.logger.WarnContext(ctx, "strategy failed", "strategy", s.Name, "mode", mode, "error", err)
		t.Emit(ctx, schema.EventStrategyFailed, stepKey, map[string]any{
			"strategy": s.Name,
			"mode":     mode,
			"reason":   err.Error(),
		})
	}

	reasons := make([]schema.StrategyFailure, len(attempts))
	for i, a := range attempts {
		reasons[i] = schema.StrategyFailure{Strategy: a.Strategy, Reason: a.Err.Error()}
	}
	t.Emit(ctx, schema.EventStrategyExhausted, stepKey, map[string]any{"attempts": reasons})
	return nil, attempts, schema.NewErrorf(schema.ErrCodeStrategyExhausted,
		"all %d strategies failed", len(attempts)).
		WithStep(stepKey).
		WithAttempts(reasons)
}

func strategyMode(s *workflow.Strategy) string {
	switch {
	case s.Escalate != nil:
		return string(s.Escalate.Mode)
	case s.Name == PrimaryAttempt:
		return PrimaryAttempt
	}
	return "steps"
}

func (rs *Resolver) attempt(ctx context.Context, stepKey string, s *workflow.Strategy, t Target) error {
	if s.Escalate != nil {
		if err := rs.escalate(ctx, stepKey, s.Escalate, t); err != nil {
			return err
		}
	} else {
		for _, a := range s.Actions {
			if err := t.Perform(ctx, a); err != nil {
				return err
			}
		}
	}

	if s.Verify == nil {
		return nil
	}
	ok, err := rs.evaluator.Evaluate(ctx, s.Verify, t.Page(), t.Variables())
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return errVerifyFailed
	}
	return nil
}

type escalationReply struct {
	resp schema.EscalationResponse
	err  error
}

// escalate hands the step to the delegate for e.Mode and waits at most the
// escalation timeout. Delegate errors and timeouts count against the mode's
// circuit; a delegate that answers "could not do it" does not.
func (rs *Resolver) escalate(ctx context.Context, stepKey string, e *workflow.Escalation, t Target) error {
	delegate, ok := rs.escalators[e.Mode]
	if !ok || delegate == nil {
		return schema.NewErrorf(schema.ErrCodeStepExecution, "no %s escalation delegate is configured", e.Mode)
	}
	if err := rs.breakers.Allow(e.Mode); err != nil {
		t.Emit(ctx, schema.EventCircuitOpen, stepKey, map[string]any{"mode": string(e.Mode)})
		return err
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = rs.timeout
	}
	req := schema.EscalationRequest{
		ID:         uuid.NewString(),
		Mode:       e.Mode,
		Prompt:     e.Prompt,
		MaxActions: e.MaxActions,
		Timeout:    timeout,
		Step:       stepKey,
		RunID:      t.RunID(),
	}
	rs.describePage(ctx, t.Page(), &req)

	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan escalationReply, 1)
	go func() {
		var rep escalationReply
		rep.err = isolate(func() error {
			var err error
			rep.resp, err = delegate.Escalate(ectx, req)
			return err
		})
		replies <- rep
	}()

	var rep escalationReply
	answered := false
	select {
	case rep = <-replies:
		answered = true
	case <-ectx.Done():
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !answered || (rep.err != nil && ectx.Err() != nil) {
		rs.breakers.Failure(e.Mode)
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s escalation timed out after %s", e.Mode, timeout)
	}
	if rep.err != nil {
		rs.breakers.Failure(e.Mode)
		return fmt.Errorf("%s escalation: %w", e.Mode, rep.err)
	}
	rs.breakers.Success(e.Mode)

	if !rep.resp.Success {
		reason := rep.resp.Error
		if reason == "" {
			reason = "delegate could not complete the action"
		}
		return schema.NewErrorf(schema.ErrCodeStepExecution, "%s escalation: %s", e.Mode, reason)
	}
	if e.MaxActions > 0 && rep.resp.ActionsTaken > e.MaxActions {
		return schema.NewErrorf(schema.ErrCodeStepExecution,
			"%s escalation took %d actions, budget is %d", e.Mode, rep.resp.ActionsTaken, e.MaxActions)
	}
	rs.logger.InfoContext(ctx, "escalation resolved", "mode", e.Mode,
		"actions", rep.resp.ActionsTaken, "resolved_by", rep.resp.ResolvedBy)
	return nil
}

// describePage attaches the screenshot, URL and (for progressive mode) DOM
// to req. Capture failures are logged; the delegate still gets the prompt.
func (rs *Resolver) describePage(ctx context.Context, page browser.Page, req *schema.EscalationRequest) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	if u, err := page.URL(cctx); err == nil {
		req.PageURL = u
	} else {
		rs.logger.WarnContext(ctx, "escalation: read page url", "error", err)
	}
	if png, err := page.Screenshot(cctx, false); err == nil {
		req.Screenshot = png
	} else {
		rs.logger.WarnContext(ctx, "escalation: capture screenshot", "error", err)
	}
	if req.Mode == schema.EscalateProgressive {
		if dom, err := page.HTML(cctx); err == nil {
			req.DOM = dom
		} else {
			rs.logger.WarnContext(ctx, "escalation: capture dom", "error", err)
		}
	}
}
