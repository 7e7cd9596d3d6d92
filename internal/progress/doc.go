// Package progress moves task lifecycle events off the worker's hot path. A Hub
// buffers events, batches them on a background goroutine and fans each batch out
// to sinks such as Pub/Sub or the structured log.
package progress
