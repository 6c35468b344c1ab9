package syncutil

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore that starts at zero. Post increments the
// count, Wait blocks until the count is positive then decrements it.
//
// It is implemented as a weighted semaphore whose every permit is held at
// construction: Post releases one, Wait re-acquires one. The count therefore
// can't exceed the capacity given to NewSemaphore, and posting beyond it
// panics.
type Semaphore struct {
	w   *semaphore.Weighted
	max int64
}

// NewSemaphore returns a semaphore with a count of zero, able to hold up to
// capacity posts. It panics if capacity is not positive.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		panic(fmt.Errorf(`syncutil: invalid semaphore capacity: %d`, capacity))
	}
	s := Semaphore{
		w:   semaphore.NewWeighted(int64(capacity)),
		max: int64(capacity),
	}
	if !s.w.TryAcquire(s.max) {
		panic(`syncutil: failed to drain new semaphore`)
	}
	return &s
}

// Post increments the count, waking one waiter if any.
func (x *Semaphore) Post() {
	x.w.Release(1)
}

// Wait blocks until the count is positive, then decrements it. An error is
// returned only if ctx is done first, in which case the count is unchanged.
func (x *Semaphore) Wait(ctx context.Context) error {
	return x.w.Acquire(ctx, 1)
}

// TryWait decrements the count if it is positive, without blocking.
func (x *Semaphore) TryWait() bool {
	return x.w.TryAcquire(1)
}

// Cap returns the maximum count.
func (x *Semaphore) Cap() int {
	return int(x.max)
}
