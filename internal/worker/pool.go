package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// Pool bounds how many tasks run at once. A slot is reserved before a task is
// polled, so the worker never claims work it cannot start right away.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool with size slots (at least one).
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size is the number of slots.
func (p *Pool) Size() int { return cap(p.slots) }

// Reserve blocks until a slot is free or ctx ends.
func (p *Pool) Reserve(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a reserved slot that was not used.
func (p *Pool) Release() { <-p.slots }

// Go runs fn on a reserved slot and frees the slot when fn returns. A panic in
// fn is counted and swallowed; fn is expected to report its own failures.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
			}
			p.active.Add(-1)
			p.completed.Add(1)
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
