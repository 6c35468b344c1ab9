package logsink

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// DefaultThrottleRates allow a burst of 5 per second, and 30 per minute,
// per category.
var DefaultThrottleRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 30,
}

// Throttle limits how often a category of event is logged. The zero value
// is not usable, see NewThrottle. A nil Throttle allows everything.
type Throttle struct {
	limiter    *catrate.Limiter
	suppressed atomic.Int64
}

// NewThrottle uses DefaultThrottleRates if rates is nil. It panics if
// rates are invalid, see catrate.NewLimiter.
func NewThrottle(rates map[time.Duration]int) *Throttle {
	if rates == nil {
		rates = DefaultThrottleRates
	}
	return &Throttle{limiter: catrate.NewLimiter(rates)}
}

// Allow registers an event for category, returning false if it should be
// suppressed.
func (x *Throttle) Allow(category any) bool {
	if x == nil {
		return true
	}
	if _, ok := x.limiter.Allow(category); ok {
		return true
	}
	x.suppressed.Add(1)
	return false
}

// Suppressed is the number of events Allow has rejected.
func (x *Throttle) Suppressed() int64 {
	if x == nil {
		return 0
	}
	return x.suppressed.Load()
}
