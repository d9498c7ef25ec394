// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session state, reconnects and frame rates
//   - Pipeline queue depth, dedup and retry counts
//   - Writer batch sizes and latencies
//   - Fallback rows spilled to the local log
//
// Every method is safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics
