package device

import (
	"context"
	"sync"
)

// waitQueue is a broadcast-only condition over state guarded by an external mutex.
//
// Unlike sync.Cond, a waiter can also leave on context cancellation. Every broadcast
// closes the current generation channel and starts a new one, so each waiter must
// re-check its predicate after waking.
type waitQueue struct {
	name    string
	gen     chan struct{}
	waiters int
}

func newWaitQueue(name string) *waitQueue {
	return &waitQueue{name: name, gen: make(chan struct{})}
}

// wait must be called with mu held. It releases mu while blocked and
// reacquires it before returning. When a broadcast and ctx cancellation land together
// either may win, so a cancelled caller can still wake with nil and complete its call.
func (q *waitQueue) wait(ctx context.Context, mu *sync.Mutex) error {
	ch := q.gen
	q.waiters++
	mu.Unlock()

	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	mu.Lock()
	q.waiters--
	return err
}

// broadcast wakes every current waiter. Caller holds mu.
func (q *waitQueue) broadcast() {
	close(q.gen)
	q.gen = make(chan struct{})
}

// blocked reports the number of callers parked in wait. Caller holds mu.
func (q *waitQueue) blocked() int {
	return q.waiters
}
