// Package sinks implements concrete progress consumers: Prometheus metrics,
// run history persisted through inat.RunRepository, structured logging and an
// in-memory snapshot served by the status server. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
