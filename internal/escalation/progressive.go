package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/browserflow/pkg/schema"
)

// Escalator matches engine.Escalator so delegates can wrap each other without
// importing the engine.
type Escalator interface {
	Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error)
}

// Progressive first offers the step to a DOM-only delegate, which is cheaper,
// and falls back to the vision delegate with the screenshot when the DOM
// stage fails. Both stages share the request's action budget.
type Progressive struct {
	DOM    Escalator
	Vision Escalator
}

// Escalate implements engine.Escalator.
func (p *Progressive) Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error) {
	if p.DOM == nil || p.Vision == nil {
		return schema.EscalationResponse{}, errors.New("progressive escalation needs a DOM and a vision delegate")
	}

	first := req
	first.Screenshot = nil
	resp, domErr := p.DOM.Escalate(ctx, first)
	if domErr == nil && resp.Success {
		resp.ResolvedBy = resolvedBy(resp.ResolvedBy, "dom")
		return resp, nil
	}
	if err := ctx.Err(); err != nil {
		return schema.EscalationResponse{}, err
	}

	spent := resp.ActionsTaken
	second := req
	if req.MaxActions > 0 {
		second.MaxActions = req.MaxActions - spent
		if second.MaxActions <= 0 {
			return schema.EscalationResponse{ActionsTaken: spent, Error: "dom stage spent the action budget"}, nil
		}
	}

	final, err := p.Vision.Escalate(ctx, second)
	if err != nil {
		if domErr != nil {
			return schema.EscalationResponse{}, fmt.Errorf("dom stage: %v; vision stage: %w", domErr, err)
		}
		return schema.EscalationResponse{}, err
	}
	final.ActionsTaken += spent
	final.ResolvedBy = resolvedBy(final.ResolvedBy, "vision")
	return final, nil
}

func resolvedBy(got, fallback string) string {
	if got != "" {
		return got
	}
	return fallback
}
