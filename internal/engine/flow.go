package engine

import (
	"context"

	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

type transitionKind int

const (
	// transitionComplete: the step is done; resolve what follows it.
	transitionComplete transitionKind = iota
	// transitionEnter: descend into a block (body, branch, case, handler).
	transitionEnter
	// transitionJump: a goto step set the override.
	transitionJump
	// transitionTerminal: succeed or fail.
	transitionTerminal
)

// transition is what executing one step tells the controller.
type transition struct {
	kind   transitionKind
	block  *workflow.Block
	target string
	result *outcome
}

func complete() transition { return transition{kind: transitionComplete} }

func enter(b *workflow.Block) transition {
	if b == nil {
		return complete()
	}
	return transition{kind: transitionEnter, block: b}
}

// outcome is a terminal state.
type outcome struct {
	status  schema.RunStatus
	message string
	err     *schema.FlowError
}

func failed(err *schema.FlowError) outcome {
	return outcome{status: schema.RunFailed, err: err}
}

// step executes one node and returns its transition.
func (r *run) step(ctx context.Context, node *workflow.Node) (transition, error) {
	switch s := node.Step.(type) {
	case *workflow.ActionStep:
		return r.action(ctx, node, s)

	case *workflow.SequenceStep:
		return enter(s.Body), nil

	case *workflow.IfStep:
		ok, err := r.c.eval.Evaluate(ctx, s.Condition, r.session, r.state.Variables())
		if err != nil {
			return transition{}, err
		}
		r.Emit(ctx, schema.EventConditionEvaluated, node.Key, map[string]any{"result": ok})
		if ok {
			return enter(s.Then), nil
		}
		return enter(s.Else), nil

	case *workflow.SwitchStep:
		for i, c := range s.Cases {
			ok, err := r.c.eval.Evaluate(ctx, c.When, r.session, r.state.Variables())
			if err != nil {
				return transition{}, err
			}
			if ok {
				r.Emit(ctx, schema.EventSwitchMatched, node.Key, map[string]any{"case": i})
				return enter(c.Body), nil
			}
		}
		if s.Default != nil {
			r.Emit(ctx, schema.EventSwitchMatched, node.Key, map[string]any{"case": "default"})
			return enter(s.Default), nil
		}
		return transition{}, schema.NewErrorf(schema.ErrCodeStepExecution,
			"no switch case matched and no default is defined (%d cases)", len(s.Cases))

	case *workflow.TryStep:
		return r.try(ctx, node, s)

	case *workflow.GotoStep:
		return transition{kind: transitionJump, target: s.Target}, nil

	case *workflow.SucceedStep:
		return transition{kind: transitionTerminal, result: &outcome{
			status:  schema.RunSucceeded,
			message: s.Message,
		}}, nil

	case *workflow.FailStep:
		code := s.ErrorCode
		if code == "" {
			code = schema.ErrCodeWorkflowFailed
		}
		msg := s.Message
		if msg == "" {
			msg = "workflow failed"
		}
		fe := schema.NewError(code, msg).WithStep(node.Key)
		return transition{kind: transitionTerminal, result: &outcome{status: schema.RunFailed, err: fe}}, nil
	}
	return transition{}, schema.NewErrorf(schema.ErrCodeStepExecution, "unsupported step %T", node.Step)
}

func (r *run) try(ctx context.Context, node *workflow.Node, s *workflow.TryStep) (transition, error) {
	winner, attempts, err := r.c.resolver.Resolve(ctx, node.Key, s.Strategies, r)
	if err == nil {
		r.winners[node.Key] = winner.Strategy
		return complete(), nil
	}
	if s.OnFailure == nil || !schema.HasCode(err, schema.ErrCodeStrategyExhausted) {
		return transition{}, err
	}
	r.exhausted[s.OnFailure] = schema.AsFlowError(err, schema.ErrCodeStrategyExhausted).WithStep(node.Key)
	r.c.logger.WarnContext(ctx, "all strategies failed, running handler", "attempts", len(attempts))
	r.Emit(ctx, schema.EventFailureHandler, node.Key, map[string]any{"attempts": len(attempts)})
	return enter(s.OnFailure), nil
}

func (r *run) action(ctx context.Context, node *workflow.Node, s *workflow.ActionStep) (transition, error) {
	if len(s.Chain) == 0 {
		if err := isolate(func() error { return r.Perform(ctx, s.Action) }); err != nil {
			return transition{}, schema.AsFlowError(err, schema.ErrCodeStepExecution)
		}
		return complete(), nil
	}

	chain := make([]*workflow.Strategy, 0, len(s.Chain)+1)
	chain = append(chain, &workflow.Strategy{Name: PrimaryAttempt, Actions: []workflow.Action{s.Action}})
	chain = append(chain, s.Chain...)

	winner, _, err := r.c.resolver.Resolve(ctx, node.Key, chain, r)
	if err != nil {
		return transition{}, err
	}
	if winner.Strategy != PrimaryAttempt {
		r.winners[node.Key] = winner.Strategy
	}
	return complete(), nil
}

// advance combines a transition with the resolution rules and returns the
// next node, or the terminal outcome.
func (r *run) advance(ctx context.Context, node *workflow.Node, tr transition) (*workflow.Node, *outcome) {
	switch tr.kind {
	case transitionEnter:
		if len(tr.block.Steps) > 0 {
			return tr.block.Steps[0], nil
		}
	case transitionJump:
		r.state.jump(tr.target)
	case transitionTerminal:
		return nil, tr.result
	}
	return r.after(ctx, node)
}

// after resolves what follows a completed node: a pending goto, then end,
// then next, then the following sibling. An exhausted block hands resolution
// to the step that owns it; exhausting the root block ends the run
// successfully.
func (r *run) after(ctx context.Context, node *workflow.Node) (*workflow.Node, *outcome) {
	for n := node; n != nil; n = n.Block.Owner {
		if target := r.state.takeJump(); target != "" {
			return r.lookup(ctx, n, target)
		}
		if n.End {
			return nil, &outcome{status: schema.RunSucceeded}
		}
		if n.Next != "" {
			return r.lookup(ctx, n, n.Next)
		}
		if f := n.Following(); f != nil {
			return f, nil
		}
	}
	return nil, &outcome{status: schema.RunSucceeded}
}

func (r *run) lookup(ctx context.Context, from *workflow.Node, target string) (*workflow.Node, *outcome) {
	next, ok := r.wf.Lookup(target)
	if !ok {
		fe := schema.NewErrorf(schema.ErrCodeStepExecution, "unknown step %q", target).WithStep(from.Key)
		return nil, &outcome{status: schema.RunFailed, err: fe}
	}
	r.Emit(ctx, schema.EventGotoResolved, from.Key, map[string]any{"target": target})
	return next, nil
}
