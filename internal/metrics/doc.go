// Package metrics collects relay statistics for the balancer.
//
// It uses a channel-based event pipeline so the event loops never wait on
// metrics bookkeeping. Events describe:
//   - Accepted client connections per listener
//   - Backend selections per routing key
//   - Closed connections with relayed byte counts and lifetimes
//   - Routing failures, backend connect failures and pool exhaustion
//
// The collector runs in a dedicated goroutine and feeds two views: a JSON
// snapshot with per-backend percentiles (served on /stats) and Prometheus
// collectors registered on the supplied registerer (served on /metrics).
// Emit drops events instead of blocking when the channel is full.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger, prometheus.NewRegistry())
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:     metrics.EventConnectionClosed,
//		Backend:  "127.0.0.1:9001",
//		Duration: 150 * time.Millisecond,
//		BytesIn:  512,
//		BytesOut: 4096,
//	})
//
//	snapshot := collector.Snapshot("random")
package metrics
