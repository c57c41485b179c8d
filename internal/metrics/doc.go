// Package metrics defines the Prometheus instrumentation for moviequeue.
//
// All metrics are registered on the default registry via promauto and are
// prefixed with "moviequeue_". The daemon exposes them on /metrics through
// promhttp.Handler().
//
// # Metric Categories
//
//   - HTTP: request counts and latency by method and mux route template
//   - Queue: store operations by outcome and current queue length
//   - Dispatch: dispatch attempts, terminal states, running jobs and job duration
//   - Finalize: outcomes and duration of atomic file replacement
//   - Remote: SSH commands run on worker hosts
//   - Maintenance: scheduled runs, pruned logs and registry entries
//
// Outcome labels use the error kinds from internal/services, or "ok".
package metrics
