// Package workpool implements a fixed set of worker goroutines draining a
// bounded FIFO queue of tasks.
//
// Submission never blocks: when the queue holds the configured maximum number
// of tasks, Submit fails with ErrQueueFull, and it is up to the caller to
// decide what to do with the rejected work. Each accepted task posts a
// counting semaphore once, and each worker waits on that semaphore before
// taking the front of the queue, so the semaphore count never exceeds the
// queue length.
package workpool
