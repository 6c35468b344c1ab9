package logsink

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// BatcherConfig models optional configuration, for NewBatcher.
	BatcherConfig struct {
		// MaxSize restricts the maximum number of jobs per batch, if positive.
		// **Defaults to 64, if 0, or BatcherConfig is nil.**
		MaxSize int

		// FlushInterval specifies the maximum duration before an "incomplete"
		// batch is passed to the BatchProcessor, if positive.
		// **Defaults to 0 (disabled), i.e. flushing is driven by MaxSize and
		// Batcher.Flush.**
		//
		// WARNING: NewBatcher will panic if both MaxSize and FlushInterval are
		// disabled.
		FlushInterval time.Duration

		// QueueSize is the number of jobs that may be buffered, pending the
		// run loop, before Submit starts rejecting them.
		// **Defaults to 1024, if 0, or BatcherConfig is nil.**
		QueueSize int
	}

	// BatchProcessor handles a batch of jobs. Batches are processed one at a
	// time, in submission order.
	BatchProcessor[Job any] func(ctx context.Context, jobs []Job) error

	// Batcher accepts jobs without blocking, batching them into small groups.
	// Instances must be initialized using the NewBatcher factory.
	Batcher[Job any] struct {
		processor     BatchProcessor[Job]
		maxSize       int
		flushInterval time.Duration
		ctx           context.Context
		cancel        context.CancelFunc
		done          chan struct{}
		stopped       chan struct{}
		stopOnce      sync.Once
		jobCh         chan Job
		flushCh       chan chan *batcherState[Job] // nil reply means don't wait
		state         *batcherState[Job]           // pending batch
		last          *batcherState[Job]           // most recently started batch
	}

	batcherState[Job any] struct {
		err  error
		done chan struct{}
		jobs []Job
	}
)

// ErrBatcherStopped is returned by Batcher.Flush, after Shutdown or Close.
var ErrBatcherStopped = errors.New(`logsink: batcher stopped`)

// NewBatcher initializes a new Batcher. The config may be nil. A panic will
// occur if processor is nil, or invalid config is provided.
//
// The Batcher.Close method and/or Batcher.Shutdown method should be called
// when the Batcher is no longer needed.
func NewBatcher[Job any](config *BatcherConfig, processor BatchProcessor[Job]) *Batcher[Job] {
	if processor == nil {
		panic(`logsink: nil processor`)
	}

	batcher := Batcher[Job]{
		processor: processor,
		maxSize:   64,
		state:     newBatcherState[Job](),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		flushCh:   make(chan chan *batcherState[Job], 1),
	}

	queueSize := 1024
	if config != nil {
		if config.MaxSize != 0 {
			batcher.maxSize = config.MaxSize
		}
		batcher.flushInterval = config.FlushInterval
		if config.QueueSize != 0 {
			queueSize = config.QueueSize
		}
	}

	if batcher.flushInterval <= 0 && batcher.maxSize <= 0 {
		panic(`logsink: one of MaxSize or FlushInterval must be specified`)
	}
	if queueSize < 0 {
		panic(`logsink: negative QueueSize`)
	}
	batcher.jobCh = make(chan Job, queueSize)

	batcher.ctx, batcher.cancel = context.WithCancel(context.Background())

	go batcher.run()

	return &batcher
}

// Submit queues a job, returning false if it was rejected, because the queue
// is full, or the Batcher is stopped. It never blocks.
func (x *Batcher[Job]) Submit(job Job) bool {
	select {
	case <-x.stopped:
		return false
	case <-x.ctx.Done():
		return false
	default:
	}
	select {
	case x.jobCh <- job:
		return true
	default:
		return false
	}
}

// Flush processes every job submitted prior to the call, then waits for
// that processing to finish, returning the error of the final batch.
func (x *Batcher[Job]) Flush(ctx context.Context) error {
	reply := make(chan *batcherState[Job], 1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.stopped:
		return ErrBatcherStopped
	case <-x.done:
		return ErrBatcherStopped
	case x.flushCh <- reply:
	}

	var batch *batcherState[Job]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.done:
		return ErrBatcherStopped
	case batch = <-reply:
	}

	if batch == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-batch.done:
		return batch.err
	}
}

// TryFlush requests a flush without waiting for it, returning false if a
// request is already pending, or the Batcher is stopped.
func (x *Batcher[Job]) TryFlush() bool {
	select {
	case <-x.stopped:
		return false
	case <-x.done:
		return false
	default:
	}
	select {
	case x.flushCh <- nil:
		return true
	default:
		return false
	}
}

// Shutdown will immediately prevent further jobs via Submit, then wait for
// all already queued jobs to be processed. An error will be returned if ctx
// is canceled prior to this, causing a forced Close.
//
// This method is unsafe to call from within a BatchProcessor.
func (x *Batcher[Job]) Shutdown(ctx context.Context) (err error) {
	x.stop()

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err() // indicating we forcibly closed
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// Close immediately cancels all jobs, and prevents further jobs via Submit,
// blocking until the Batcher has finished closing.
//
// This method is unsafe to call from within a BatchProcessor.
func (x *Batcher[Job]) Close() error {
	x.cancel()
	<-x.done
	return nil
}

func (x *Batcher[Job]) stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *Batcher[Job]) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup
	wg.Add(1) // decremented on exit

	// batches are written strictly in order, one at a time
	runningBatchCh := make(chan struct{}, 1)

	runBatch := func() {
		if len(x.state.jobs) == 0 {
			return
		}

		batch := x.state
		x.state = newBatcherState[Job]()
		x.last = batch

		wg.Add(1)
		runningBatchCh <- struct{}{}
		go func() {
			defer func() {
				<-runningBatchCh
				wg.Done()
			}()
			_ = batch.run(x.ctx, x.processor)
		}()
	}

	// sent batches once their flush interval expires
	expiredCh := make(chan *batcherState[Job])

	add := func(job Job) {
		x.state.jobs = append(x.state.jobs, job)

		if x.maxSize > 0 && len(x.state.jobs) >= x.maxSize {
			runBatch()
		} else if x.flushInterval > 0 && len(x.state.jobs) == 1 {
			// first job -> start the timer for flush
			batch := x.state
			timer := time.NewTimer(x.flushInterval)
			go func() {
				defer timer.Stop()
				select {
				case <-x.ctx.Done():
				case <-x.stopped:
				case <-batch.done:
				case <-timer.C:
					select {
					case <-x.ctx.Done():
					case <-x.stopped:
					case <-batch.done:
					case expiredCh <- batch:
					}
				}
			}()
		}
	}

	// moves everything already queued into batches
	drain := func() {
		for {
			select {
			case job := <-x.jobCh:
				add(job)
			default:
				return
			}
		}
	}

	// finalizes the last batch, and waits for all batches
	var wait func()
	wait = func() {
		wait = nil
		runBatch()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		// cancel before waiting (unless wait has already been called)
		x.cancel()
		if wait != nil {
			wait()
		}
	}()

	for {
		select {
		case <-x.ctx.Done():
			return

		case <-x.stopped:
			drain()
			wait()
			return

		case job := <-x.jobCh:
			add(job)

		case reply := <-x.flushCh:
			drain()
			runBatch()
			if reply != nil {
				reply <- x.last
			}

		case batch := <-expiredCh:
			if batch == x.state {
				runBatch()
			}
		}
	}
}

func newBatcherState[Job any]() *batcherState[Job] {
	return &batcherState[Job]{done: make(chan struct{})}
}

func (x *batcherState[Job]) run(ctx context.Context, processor BatchProcessor[Job]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x.err = errors.New(`logsink: panic in BatchProcessor`)
	defer close(x.done)

	x.err = processor(ctx, x.jobs)

	return x.err
}
