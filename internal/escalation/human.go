package escalation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// Pending is a human escalation waiting for an answer.
type Pending struct {
	Request   schema.EscalationRequest `json:"request"`
	CreatedAt time.Time                `json:"created_at"`
	Deadline  time.Time                `json:"deadline,omitempty"`
}

// NoticeType says what happened to a pending escalation.
type NoticeType string

const (
	NoticeRequested NoticeType = "requested"
	NoticeResolved  NoticeType = "resolved"
	NoticeExpired   NoticeType = "expired"
)

// Notice is pushed to subscribers whenever the pending set changes.
type Notice struct {
	Type       NoticeType `json:"type"`
	Escalation Pending    `json:"escalation"`
}

type waiting struct {
	Pending
	reply chan schema.EscalationResponse
}

// Broker parks human escalations until an operator resolves them over HTTP or
// MCP. It satisfies engine.Escalator. A request is dropped from the pending
// set when its caller stops waiting.
type Broker struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	pending     map[string]*waiting
	subscribers map[chan Notice]struct{}
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:      logger,
		now:         time.Now,
		pending:     make(map[string]*waiting),
		subscribers: make(map[chan Notice]struct{}),
	}
}

// Escalate parks req and blocks until it is resolved or ctx ends.
func (b *Broker) Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error) {
	w := &waiting{
		Pending: Pending{Request: req, CreatedAt: b.now().UTC()},
		reply:   make(chan schema.EscalationResponse, 1),
	}
	if dl, ok := ctx.Deadline(); ok {
		w.Deadline = dl.UTC()
	}

	b.mu.Lock()
	if _, dup := b.pending[req.ID]; dup {
		b.mu.Unlock()
		return schema.EscalationResponse{}, schema.NewErrorf(schema.ErrCodeConflict, "escalation %q is already pending", req.ID)
	}
	b.pending[req.ID] = w
	b.publishLocked(Notice{Type: NoticeRequested, Escalation: w.Pending})
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "human escalation pending", "escalation_id", req.ID, "step", req.Step, "prompt", req.Prompt)

	select {
	case resp := <-w.reply:
		return resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.pending[req.ID] == w {
			delete(b.pending, req.ID)
			b.publishLocked(Notice{Type: NoticeExpired, Escalation: w.Pending})
		}
		b.mu.Unlock()
		// A resolution may have raced the deadline.
		select {
		case resp := <-w.reply:
			return resp, nil
		default:
		}
		return schema.EscalationResponse{}, ctx.Err()
	}
}

// Pending lists waiting escalations, oldest first.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.pending))
	for _, w := range b.pending {
		out = append(out, w.Pending)
	}
	slices.SortFunc(out, func(a, b Pending) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Get returns one waiting escalation.
func (b *Broker) Get(id string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.pending[id]
	if !ok {
		return Pending{}, false
	}
	return w.Pending, true
}

// Resolve answers a waiting escalation. It returns NOT_FOUND when the ID is
// unknown or its caller already gave up.
func (b *Broker) Resolve(id string, resp schema.EscalationResponse) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.pending[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "escalation %q is not pending", id)
	}
	delete(b.pending, id)
	if resp.ResolvedBy == "" {
		resp.ResolvedBy = "human"
	}
	w.reply <- resp
	b.publishLocked(Notice{Type: NoticeResolved, Escalation: w.Pending})
	b.logger.Info("human escalation resolved", "escalation_id", id, "success", resp.Success, "by", resp.ResolvedBy)
	return nil
}

// Subscribe returns a channel of notices and a function that ends the
// subscription. Notices are dropped for subscribers that fall behind.
func (b *Broker) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) publishLocked(n Notice) {
	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.logger.Warn("escalation subscriber is behind, dropping notice", "type", n.Type, "escalation_id", n.Escalation.Request.ID)
		}
	}
}
