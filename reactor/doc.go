// Package reactor implements the server's main loop, on Linux.
//
// A single goroutine waits on an epoll instance. The listening socket is
// level-triggered, and each readiness event accepts one connection.
// Connection sockets are edge-triggered and one-shot: after each event the
// socket is disarmed until its owner re-arms it, so no two goroutines ever
// handle the same connection. Reads and writes happen on the reactor
// goroutine. Parsing, file resolution, and response preparation happen on a
// [workpool.Pool].
//
// Connections live in a fixed capacity table of reusable slots. The token
// registered with epoll packs the slot index with a generation, which is
// bumped on every close, so events and queued work for a closed connection
// are recognised, and ignored, even after the descriptor number is reused.
//
// Maintenance runs on a [timerheap.Heap]: the cached Date header, log sink
// flushes, and eviction of idle connections.
package reactor
