// Package pipeline drives the resumable scrape and annotate stages.
//
// A run derives its pending set from the metadata store, streams it through a
// bounded queue into a fixed worker pool and classifies every fetch result:
// successes and permanent failures are persisted through a single store
// writer, transient failures are re-queued with backoff until the retry
// budget is spent. Nothing is deleted, so rerunning a stage only touches the
// observations still pending.
package pipeline
