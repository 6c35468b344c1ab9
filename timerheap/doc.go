// Package timerheap implements a mutex guarded binary min-heap of deadlines,
// used to drive periodic maintenance (log flushing, refreshing the cached
// Date header, evicting idle connections).
//
// # Deletion
//
// Delete is lazy: it clears the timer's task, leaving the timer in the heap
// until it reaches the top and expires, at which point Tick pops it without
// firing. This keeps Delete O(1) and free of restructuring, at the cost of
// dead entries still participating in sift operations until they expire.
//
// # Concurrency
//
// Add, Delete, Peek and Tick may be called from any goroutine. Every
// structural change happens under the heap's mutex, and tasks are fired with
// the mutex released, so a task may itself call Add (which is how recurring
// timers re-arm). Tick is normally called only by Run, from a single
// dedicated goroutine.
package timerheap
