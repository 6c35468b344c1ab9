// Package syncutil provides the small blocking primitives shared by the
// worker pool and the reactor.
//
// Mutual exclusion is plain [sync.Mutex]; this package only adds the counting
// semaphore, with post/wait semantics, that the pool uses to park idle
// workers.
package syncutil
