package logsink

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"
)

// SinkConfig models optional configuration, for NewSink.
type SinkConfig struct {
	// MaxSize is the number of records per write, see BatcherConfig.MaxSize.
	MaxSize int

	// FlushInterval bounds how long a record may wait for a write, see
	// BatcherConfig.FlushInterval. Flushing may also be driven externally,
	// via Sink.Fire.
	FlushInterval time.Duration

	// QueueSize is the number of records that may be pending, before
	// records start being dropped, see BatcherConfig.QueueSize.
	QueueSize int
}

// Sink is an append-only record writer, implementing io.Writer, that never
// blocks on, or fails due to, its destination. Each Write call is one record.
type Sink struct {
	w       io.Writer
	batcher *Batcher[[]byte]
	buf     bytes.Buffer // only accessed by the (serial) processor
	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64
}

// NewSink initializes a Sink writing to w. The config may be nil.
func NewSink(w io.Writer, config *SinkConfig) *Sink {
	if w == nil {
		panic(`logsink: nil writer`)
	}
	s := &Sink{w: w}
	var bc *BatcherConfig
	if config != nil {
		bc = &BatcherConfig{
			MaxSize:       config.MaxSize,
			FlushInterval: config.FlushInterval,
			QueueSize:     config.QueueSize,
		}
	}
	s.batcher = NewBatcher(bc, s.process)
	return s
}

// Write queues a copy of p. It always reports success.
func (s *Sink) Write(p []byte) (int, error) {
	if !s.batcher.Submit(bytes.Clone(p)) {
		s.dropped.Add(1)
	}
	return len(p), nil
}

// Flush writes every record queued prior to the call.
func (s *Sink) Flush(ctx context.Context) error {
	return s.batcher.Flush(ctx)
}

// Fire requests a flush, without waiting for it. It implements
// timerheap.Task.
func (s *Sink) Fire(time.Time) {
	s.batcher.TryFlush()
}

// Close writes any pending records then stops the Sink. Records written
// after Close are dropped. The destination is not closed.
func (s *Sink) Close(ctx context.Context) error {
	return s.batcher.Shutdown(ctx)
}

// Dropped is the number of records that were never queued.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failed is the number of records lost to destination write errors.
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Written is the number of records successfully written.
func (s *Sink) Written() int64 { return s.written.Load() }

func (s *Sink) process(_ context.Context, records [][]byte) error {
	s.buf.Reset()
	for _, record := range records {
		s.buf.Write(record)
	}
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		s.failed.Add(int64(len(records)))
		return err
	}
	s.written.Add(int64(len(records)))
	return nil
}
