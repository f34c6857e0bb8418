// Package sinks implements concrete event consumers such as Prometheus,
// run history storage, Pub/Sub and structured logging. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
