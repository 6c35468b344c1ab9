package workpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/joeycumines/go-httpd/syncutil"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultThreads is the default number of workers.
	DefaultThreads = 8
	// DefaultMaxRequests is the default bound on queued tasks.
	DefaultMaxRequests = 10000
)

var (
	// ErrInvalidConfig is returned by New for a non-positive thread count or
	// queue bound.
	ErrInvalidConfig = errors.New(`workpool: invalid config`)
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New(`workpool: queue full`)
	// ErrNilTask is returned by Submit for a nil task.
	ErrNilTask = errors.New(`workpool: nil task`)
	// ErrPoolClosed is returned by Submit and Start after Close.
	ErrPoolClosed = errors.New(`workpool: pool closed`)
	// ErrAlreadyStarted is returned by Start if it has already been called.
	ErrAlreadyStarted = errors.New(`workpool: already started`)
)

type (
	// Task is a unit of work run by a worker.
	Task interface {
		Process()
	}

	// TaskFunc implements Task.
	TaskFunc func()

	// Pool is a fixed size worker pool, see the package docs.
	Pool struct {
		logger  *logiface.Logger[logiface.Event]
		sem     *syncutil.Semaphore
		cancel  context.CancelFunc
		group   *errgroup.Group
		ring    []Task
		head    int
		size    int
		threads int
		mu      sync.Mutex
		started bool
		closed  bool
	}

	// Option configures a Pool, see New.
	Option interface {
		applyOption(*poolOptions)
	}

	poolOptions struct {
		logger *logiface.Logger[logiface.Event]
	}

	optionImpl struct {
		fn func(*poolOptions)
	}
)

// Process calls x().
func (x TaskFunc) Process() { x() }

func (x *optionImpl) applyOption(opts *poolOptions) { x.fn(opts) }

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{fn: func(opts *poolOptions) {
		opts.logger = logger
	}}
}

// New returns a pool of threads workers, accepting at most maxRequests
// queued tasks. The workers don't run until Start is called.
func New(threads, maxRequests int, opts ...Option) (*Pool, error) {
	if threads <= 0 || maxRequests <= 0 {
		return nil, ErrInvalidConfig
	}
	var cfg poolOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(&cfg)
		}
	}
	return &Pool{
		logger:  cfg.logger,
		sem:     syncutil.NewSemaphore(maxRequests),
		ring:    make([]Task, maxRequests),
		threads: threads,
	}, nil
}

// Start launches the workers. They stop when ctx is done or Close is called.
func (x *Pool) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrPoolClosed
	}
	if x.started {
		return ErrAlreadyStarted
	}
	x.started = true

	ctx, x.cancel = context.WithCancel(ctx)
	x.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < x.threads; i++ {
		x.group.Go(func() error {
			x.worker(ctx)
			return nil
		})
	}
	return nil
}

// Submit appends task to the queue, without blocking.
func (x *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrPoolClosed
	}
	if x.size >= len(x.ring) {
		x.mu.Unlock()
		return ErrQueueFull
	}
	x.ring[(x.head+x.size)%len(x.ring)] = task
	x.size++
	x.mu.Unlock()
	x.sem.Post()
	return nil
}

// Len returns the number of queued tasks, not including any that are
// running.
func (x *Pool) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.size
}

// Close stops the workers, waiting for any running tasks to return. Queued
// tasks are discarded. Subsequent calls return nil.
func (x *Pool) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	for x.size > 0 {
		x.ring[x.head] = nil
		x.head = (x.head + 1) % len(x.ring)
		x.size--
	}
	cancel, group := x.cancel, x.group
	x.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

func (x *Pool) worker(ctx context.Context) {
	for {
		if err := x.sem.Wait(ctx); err != nil {
			return
		}
		if task := x.pop(); task != nil {
			x.safeProcess(task)
		}
	}
}

func (x *Pool) pop() Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	// may be empty after Close discarded the queue
	if x.size == 0 {
		return nil
	}
	task := x.ring[x.head]
	x.ring[x.head] = nil
	x.head = (x.head + 1) % len(x.ring)
	x.size--
	return task
}

func (x *Pool) safeProcess(task Task) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Any(`panic`, r).
				Str(`stack`, string(debug.Stack())).
				Log(`workpool: task panicked`)
		}
	}()
	task.Process()
}
