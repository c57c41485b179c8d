package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moviequeue_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Queue metrics
var (
	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_queue_operations_total",
			Help: "Total number of queue store operations",
		},
		[]string{"operation", "status"}, // status: "ok" or an error kind
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moviequeue_queue_length",
			Help: "Number of files currently waiting in the transcode queue",
		},
	)
)

// Dispatch metrics
var (
	JobsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_jobs_dispatched_total",
			Help: "Total number of dispatch attempts",
		},
		[]string{"kind", "placement", "result"}, // placement: "local" or "remote"
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"kind", "state"},
	)

	JobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moviequeue_jobs_running",
			Help: "Number of local jobs holding a worker slot",
		},
		[]string{"kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moviequeue_job_duration_seconds",
			Help:    "Wall-clock duration of local jobs from spawn to terminal state",
			Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"kind", "state"},
	)
)

// Finalize metrics
var (
	FinalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_finalize_total",
			Help: "Total number of finalize operations",
		},
		[]string{"result"}, // "replaced", "created", "already_finalized", "error"
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moviequeue_finalize_duration_seconds",
			Help:    "Duration of finalize operations in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
)

// Remote metrics
var (
	RemoteCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviequeue_remote_commands_total",
			Help: "Total number of commands run on worker hosts",
		},
		[]string{"command", "status"},
	)

	RemoteCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moviequeue_remote_command_duration_seconds",
			Help:    "Duration of remote commands including the SSH handshake",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// Maintenance metrics
var (
	MaintenanceRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moviequeue_maintenance_runs_total",
			Help: "Total number of scheduled maintenance runs",
		},
	)

	LogFilesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moviequeue_log_files_pruned_total",
			Help: "Total number of job logs removed by retention",
		},
	)

	RegistryEntriesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moviequeue_registry_entries_pruned_total",
			Help: "Total number of finished jobs dropped from the dispatcher registry",
		},
	)
)

// Status returns the label used for an operation outcome.
func Status(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}
