package session

import (
	"context"
	"sync"
)

// turnQueue grants one holder at a time, in arrival order.
type turnQueue struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// acquire blocks until the caller holds the turn or ctx ends.
func (q *turnQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	for i, w := range q.waiters {
		if w == ready {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	q.mu.Unlock()

	// The turn was handed over as ctx ended; pass it on.
	q.release()
	return ctx.Err()
}

// release hands the turn to the longest waiter, if any.
func (q *turnQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.held = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// waiting returns the number of queued callers.
func (q *turnQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
