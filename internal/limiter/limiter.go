package limiter

import (
	"context"
	"sync"
)

// Limiter bounds in-flight work to a configurable ceiling. Waiters are served
// in FIFO order; raising the limit admits queued waiters immediately, lowering
// it never preempts work already in flight.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	waiters  []chan struct{}
}

// New builds a limiter with the given ceiling.
func New(limit int) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	return &Limiter{limit: limit}
}

// Acquire takes a slot, suspending until one frees up or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.inFlight < l.limit {
		l.inFlight++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.abandon(ready)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter, or returns its slot if a release won the
// race and already granted one.
func (l *Limiter) abandon(ready chan struct{}) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()
	// Not in the queue: a slot was granted concurrently with cancellation.
	l.Release()
}

// Release frees a slot and hands it to the oldest waiter, if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.grantLocked()
}

// SetLimit changes the ceiling for subsequently admitted work.
func (l *Limiter) SetLimit(n int) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = n
	l.grantLocked()
}

// grantLocked admits queued waiters while capacity allows. Caller holds mu.
func (l *Limiter) grantLocked() {
	for len(l.waiters) > 0 && l.inFlight < l.limit {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.inFlight++
		close(ready)
	}
}

// InFlight reports how many slots are currently held.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Limit reports the current ceiling.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}
