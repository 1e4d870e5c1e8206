package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/pkg/schema"
)

// EventAppender persists run events. Satisfied by *store.EventLog and test fakes.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Escalator hands a stuck action to a vision model or a human.
type Escalator interface {
	Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error)
}

// Observer receives engine metrics. Satisfied by *metrics.Collector.
type Observer interface {
	StrategyAttempt(mode, outcome string, d time.Duration)
	LoopDetected()
}

type nopObserver struct{}

func (nopObserver) StrategyAttempt(string, string, time.Duration) {}
func (nopObserver) LoopDetected()                                 {}

// Emit appends a run event. A failing sink is logged and never fails the run.
func (r *run) Emit(ctx context.Context, eventType, step string, payload map[string]any) {
	if r.c.events == nil {
		return
	}
	ev := &store.Event{
		RunID:     r.id,
		Step:      step,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			r.c.logger.WarnContext(ctx, "marshal event payload", "event", eventType, "error", err)
		} else {
			ev.Payload = raw
		}
	}
	if err := r.c.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		r.c.logger.WarnContext(ctx, "append run event", "event", eventType, "error", err)
	}
}
