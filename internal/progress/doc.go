// Package progress is the notification side of the dispatcher. Task events
// are handed to a Hub without blocking, batched on a background goroutine,
// and fanned out to sinks (logs, metrics, webhooks, publishers, the history
// archive). Sink failures are logged and never reach the emitter.
package progress
