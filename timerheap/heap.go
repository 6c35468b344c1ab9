package timerheap

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Heap is a min-heap of timers, keyed by absolute expiry. It is safe for
	// concurrent use. See the package docs for details.
	Heap struct {
		logger *logiface.Logger[logiface.Event]
		now    func() time.Time
		queue  timerQueue
		seq    uint64
		mu     sync.Mutex
	}

	// Option configures a Heap, see New.
	Option interface {
		applyOption(*heapOptions) error
	}

	heapOptions struct {
		logger *logiface.Logger[logiface.Event]
		now    func() time.Time
	}

	optionImpl struct {
		fn func(*heapOptions) error
	}
)

func (x *optionImpl) applyOption(opts *heapOptions) error {
	return x.fn(opts)
}

// WithLogger sets the logger used to report panicking tasks. A nil logger
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{fn: func(opts *heapOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock overrides the time source used by Schedule, Every, and Run.
// Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return &optionImpl{fn: func(opts *heapOptions) error {
		if now == nil {
			return fmt.Errorf(`timerheap: nil clock`)
		}
		opts.now = now
		return nil
	}}
}

func resolveOptions(opts []Option) (*heapOptions, error) {
	cfg := heapOptions{now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// New returns an empty heap.
func New(opts ...Option) (*Heap, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Heap{
		logger: cfg.logger,
		now:    cfg.now,
	}, nil
}

// Add schedules t. It is a no-op if t is nil, already queued, or has been
// deleted.
func (x *Heap) Add(t *Timer) {
	if t == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(t)
}

func (x *Heap) addLocked(t *Timer) {
	if t.task == nil || t.index >= 0 {
		return
	}
	x.seq++
	t.seq = x.seq
	heap.Push(&x.queue, t)
}

// Delete prevents t from firing. The timer stays in the heap until it
// reaches the top, at which point it is discarded. Deleting a nil or already
// deleted timer is a no-op.
func (x *Heap) Delete(t *Timer) {
	if t == nil {
		return
	}
	x.mu.Lock()
	t.task = nil
	x.mu.Unlock()
}

// Peek returns the timer with the earliest expiry, which may be a deleted
// timer that has not yet been discarded.
func (x *Heap) Peek() (*Timer, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.queue) == 0 {
		return nil, false
	}
	return x.queue[0], true
}

// Len returns the number of queued timers, including deleted timers that are
// yet to be discarded.
func (x *Heap) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue)
}

// Tick fires every timer with an expiry at or before now, in expiry order,
// returning the number of tasks that ran. The lock is not held while a task
// runs, so tasks may call any method on the heap.
func (x *Heap) Tick(now time.Time) int {
	var fired int
	for {
		x.mu.Lock()
		if len(x.queue) == 0 || x.queue[0].when.After(now) {
			x.mu.Unlock()
			return fired
		}
		t := heap.Pop(&x.queue).(*Timer)
		task := t.task
		x.mu.Unlock()

		if task == nil {
			continue
		}
		x.safeFire(t, task, now)
		fired++
	}
}

func (x *Heap) safeFire(t *Timer, task Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Str(`kind`, t.kind.String()).
				Any(`panic`, r).
				Str(`stack`, string(debug.Stack())).
				Log(`timerheap: task panicked`)
		}
	}()
	task.Fire(now)
}

// Schedule adds a timer that fires task once, after delay.
func (x *Heap) Schedule(kind Kind, delay time.Duration, task Task) *Timer {
	t := NewTimer(x.now().Add(delay), kind, task)
	x.Add(t)
	return t
}

// Every adds a timer that fires task every interval, the first time after
// one interval. The returned timer is re-queued after each firing, until it
// is passed to Delete. It panics if interval is not positive, as the
// recurrence would never let Tick return.
func (x *Heap) Every(kind Kind, interval time.Duration, task Task) *Timer {
	if interval <= 0 {
		panic(fmt.Errorf(`timerheap: invalid interval: %s`, interval))
	}
	t := &Timer{kind: kind, index: -1}
	t.task = TaskFunc(func(now time.Time) {
		// re-queued even if task panics
		defer func() {
			x.mu.Lock()
			defer x.mu.Unlock()
			t.when = now.Add(interval)
			// no-op if deleted in the meantime
			x.addLocked(t)
		}()
		task.Fire(now)
	})
	t.when = x.now().Add(interval)
	x.Add(t)
	return t
}

// Run calls Tick every slot, until ctx is done, returning ctx.Err().
func (x *Heap) Run(ctx context.Context, slot time.Duration) error {
	if slot <= 0 {
		return fmt.Errorf(`timerheap: invalid time slot: %s`, slot)
	}
	ticker := time.NewTicker(slot)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			x.Tick(x.now())
		}
	}
}
