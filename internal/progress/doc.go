// Package progress carries crawl job lifecycle events from the scheduler to
// pluggable sinks (logs, Prometheus, Pub/Sub). Emitting never blocks the
// scheduler: events are buffered, batched on a background goroutine and
// dropped under backpressure.
package progress
