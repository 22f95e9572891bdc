// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, transitions and reconnect attempts
//   - Outbound queue depth and flushed messages
//   - Inbound batch flushes, sizes, sink failures and dropped items
//   - Dedup window drops
//   - Acknowledgment retries and exhaustions
package metrics
