// Package metrics provides Prometheus metrics for the taskgraph service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mentatlab"
	subsystem = "taskgraph"
)

var (
	// AdvancesTotal counts Advance calls by how they ended.
	AdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advances_total",
			Help:      "Total number of session advances by outcome",
		},
		[]string{"outcome"}, // "summary", "paused", "error", "abandoned"
	)

	// AdvanceDuration tracks how long an Advance call streams.
	AdvanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advance_duration_seconds",
			Help:      "Session advance duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// WalksTotal counts walk cycles started.
	WalksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "walks_total",
			Help:      "Total number of execution walk cycles",
		},
	)

	// PlanExtensionsTotal counts nodes added from planning artifacts.
	PlanExtensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "plan_nodes_added_total",
			Help:      "Total number of nodes added from planning artifacts",
		},
	)

	// PausesTotal counts input-required pauses by resolution.
	PausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pauses_total",
			Help:      "Total number of input-required pauses",
		},
		[]string{"resolution"}, // "auto_resumed", "forwarded"
	)

	// SummariesTotal counts summary generation attempts.
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "summaries_total",
			Help:      "Total number of summary generations",
		},
		[]string{"result"}, // "success", "error"
	)

	// NodesTotal counts node visits by final status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nodes_total",
			Help:      "Total number of node visits by status",
		},
		[]string{"status"}, // "completed", "paused" (forwarded only), "failed"
	)

	// SessionsActive tracks sessions held in the registry.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of sessions held in memory",
		},
	)

	// EventsTotal counts recorded events by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of events recorded",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PoolRejectionsTotal counts requests refused because the worker pool was full.
	PoolRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_rejections_total",
			Help:      "Total number of session requests rejected by the worker pool",
		},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // operation: create, update, event; result: success, error
	)

	// ArchiveOperations counts archive writes.
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "archive_operations_total",
			Help:      "Total number of archive operations",
		},
		[]string{"operation", "result"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)
)
