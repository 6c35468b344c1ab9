// Package httpconn implements the per-connection HTTP/1.1 state machine of a
// static file server: an incremental request parser, resolution of the
// request target against a document root, and construction and
// non-blocking scatter-write of the response.
//
// # Ownership
//
// A Conn is driven by at most one goroutine at a time. The owner is the
// goroutine that last won Acquire, and ownership passes between the reactor
// and pool workers with the connection's descriptor disarmed (one-shot
// readiness). Rearm gives up ownership then re-arms the descriptor, which is
// always the last thing an owner does with a Conn. The read, process, and
// write critical sections are instrumented, and any overlap between them is
// counted, see Conn.Violations.
//
// # Parsing
//
// The request is parsed by two nested state machines. The line machine scans
// the bytes read so far for CRLF terminated lines, overwriting each
// terminator with NUL bytes, and the request machine feeds complete lines to
// the handler for its current state (request line, headers, content).
// Parsing resumes where it left off on every call, so the outcome does not
// depend on how the request was fragmented across reads.
package httpconn
