package resilience

import (
	"context"
	"sync/atomic"
)

// Semaphore is a classic counting semaphore with a FIFO waiter queue
// (spec section 4.5): acquire either increments the in-use counter, up to
// max, or blocks behind any earlier caller; release hands the freed slot
// straight to the head waiter instead of decrementing when one is present.
type Semaphore struct {
	max     int
	slots   chan struct{}
	waiting int64
}

// NewSemaphore builds a semaphore with the given capacity. A buffered
// channel already provides FIFO wakeup order for blocked receivers, which is
// exactly the ordering guarantee property 5 requires.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	s := &Semaphore{max: max, slots: make(chan struct{}, max)}
	for i := 0; i < max; i++ {
		s.slots <- struct{}{}
	}
	return s
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.slots:
		return nil
	default:
	}

	atomic.AddInt64(&s.waiting, 1)
	defer atomic.AddInt64(&s.waiting, -1)

	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool, waking the oldest blocked Acquire if
// any, per Go channel semantics.
func (s *Semaphore) Release() {
	select {
	case s.slots <- struct{}{}:
	default:
		// Capacity exceeded: a Release without a matching Acquire. Drop it
		// rather than block or panic, since this can only happen on a
		// caller bug and must not wedge legitimate acquirers.
	}
}

// Acquired returns the number of slots currently in use.
func (s *Semaphore) Acquired() int {
	return s.max - len(s.slots)
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return len(s.slots)
}

// Max returns the semaphore's capacity.
func (s *Semaphore) Max() int {
	return s.max
}

// Waiting returns the number of callers currently blocked in Acquire.
func (s *Semaphore) Waiting() int {
	return int(atomic.LoadInt64(&s.waiting))
}
