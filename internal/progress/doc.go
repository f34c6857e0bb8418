// Package progress provides the non-blocking hub that receives crawl engine
// events. It batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics, Pub/Sub or run history storage.
package progress
