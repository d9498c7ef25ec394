// Package pipeline sits between the streaming session and the writer.
//
// Ticks are sharded by instrument token over a fixed set of workers, each
// with its own bounded queue, so an instrument's ticks are always handled in
// arrival order by one goroutine. Every worker batches ticks by size or
// interval, collapses duplicates per (token, second) keeping the latest, and
// writes the batch. Failed writes are retried in place with exponential
// backoff; a batch that still fails is appended to the fallback log and
// reported, never discarded.
package pipeline
