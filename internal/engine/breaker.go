package engine

import (
	"sync"
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// CircuitState is the state of one delegate's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig configures when a failing escalation delegate is skipped.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed escalations that
	// opens the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects escalations before one
	// trial call is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type delegateCircuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// Breakers tracks one circuit per escalation mode. A vision service that keeps
// timing out is then failed fast instead of holding every run for its full
// escalation timeout.
type Breakers struct {
	mu       sync.Mutex
	circuits map[schema.EscalationMode]*delegateCircuit
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		circuits: make(map[schema.EscalationMode]*delegateCircuit),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow returns nil when an escalation to mode may proceed, or a
// CIRCUIT_OPEN error. After the cooldown a single trial call is allowed; its
// outcome closes or reopens the circuit.
func (b *Breakers) Allow(mode schema.EscalationMode) error {
	if b == nil || b.cfg.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(mode)
	switch c.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(c.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s delegate unavailable after %d consecutive failures", mode, c.failures).
				WithDetails(map[string]any{
					"mode":               string(mode),
					"failures":           c.failures,
					"cooldown_remaining": remaining.String(),
				})
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s delegate is in a half-open trial", mode)
		}
		c.probing = true
	}
	return nil
}

// Success closes the circuit for mode.
func (b *Breakers) Success(mode schema.EscalationMode) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(mode)
	c.state = CircuitClosed
	c.failures = 0
	c.probing = false
}

// Failure records a failed escalation and returns the resulting state.
func (b *Breakers) Failure(mode schema.EscalationMode) CircuitState {
	if b == nil || b.cfg.FailureThreshold <= 0 {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(mode)
	c.failures++
	c.probing = false
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = b.now()
	}
	return c.state
}

// State returns the current state for mode.
func (b *Breakers) State(mode schema.EscalationMode) CircuitState {
	if b == nil {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(mode).state
}

func (b *Breakers) circuit(mode schema.EscalationMode) *delegateCircuit {
	c, ok := b.circuits[mode]
	if !ok {
		c = &delegateCircuit{}
		b.circuits[mode] = c
	}
	return c
}
