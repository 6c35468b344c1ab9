// Package logsink builds the server's structured loggers, and the buffered
// writer they log through.
//
// Loggers are always [logiface.Logger] values, passed explicitly. The JSON
// format is rendered by stumpy, the console format by zerolog. Every entry
// carries a `src` field, the file:line of the call site.
//
// A [Sink] decouples callers from the destination: records are copied,
// queued, and written in batches by a single goroutine, in order. A record
// that cannot be queued, or a batch that fails to write, is counted and
// dropped, and is never reported to the caller.
package logsink
