package httpconn

import (
	"sync/atomic"
	"time"
)

// DateLayout formats the Date header (RFC 1123, in GMT).
const DateLayout = `Mon, 02 Jan 2006 15:04:05 GMT`

// Clock caches the formatted Date header value, so it isn't formatted for
// every response. It implements timerheap.Task, and is meant to be refreshed
// every second.
type Clock struct {
	v atomic.Pointer[string]
}

// NewClock returns a clock set to now.
func NewClock(now time.Time) *Clock {
	var c Clock
	c.Refresh(now)
	return &c
}

// Refresh sets the cached value to now.
func (c *Clock) Refresh(now time.Time) {
	s := now.UTC().Format(DateLayout)
	c.v.Store(&s)
}

// Fire calls Refresh.
func (c *Clock) Fire(now time.Time) { c.Refresh(now) }

// String returns the cached value. A nil clock formats the current time.
func (c *Clock) String() string {
	if c != nil {
		if s := c.v.Load(); s != nil {
			return *s
		}
	}
	return time.Now().UTC().Format(DateLayout)
}
