package timerheap

import (
	"fmt"
	"time"
)

// Kind tags what a timer is for. The heap doesn't interpret it, beyond
// logging, but it lets maintenance timers be identified without comparing
// function values.
type Kind uint8

const (
	// KindFunc is an arbitrary task.
	KindFunc Kind = iota
	// KindFlushLog flushes buffered log records.
	KindFlushLog
	// KindRefreshClock refreshes the cached Date header value.
	KindRefreshClock
	// KindEvictIdle closes connections that have been idle for too long.
	KindEvictIdle
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindFlushLog:
		return "flush-log"
	case KindRefreshClock:
		return "refresh-clock"
	case KindEvictIdle:
		return "evict-idle"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Task is fired when a timer expires. The now value is the time that was
// passed to Tick.
type Task interface {
	Fire(now time.Time)
}

// TaskFunc implements Task.
type TaskFunc func(now time.Time)

// Fire calls x(now).
func (x TaskFunc) Fire(now time.Time) { x(now) }

// Timer models one scheduled task. The zero value is not usable, see
// NewTimer, or the Heap.Schedule and Heap.Every methods.
type Timer struct {
	when time.Time
	// task is guarded by the mutex of the heap the timer belongs to, and is
	// nil once deleted
	task Task
	seq  uint64
	// index within the heap, or -1 if not queued
	index int
	kind  Kind
}

// NewTimer returns a timer that will fire task at (or after) when. It must be
// passed to Heap.Add to be scheduled.
func NewTimer(when time.Time, kind Kind, task Task) *Timer {
	return &Timer{when: when, kind: kind, task: task, index: -1}
}

// When returns the absolute expiry.
func (x *Timer) When() time.Time { return x.when }

// Kind returns the kind the timer was created with.
func (x *Timer) Kind() Kind { return x.kind }

// timerQueue is a min-heap of timers, ordered by expiry then insertion order.
type timerQueue []*Timer

func (h timerQueue) Len() int { return len(h) }

func (h timerQueue) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerQueue) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerQueue) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
