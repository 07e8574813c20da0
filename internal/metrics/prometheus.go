// Package metrics provides Prometheus metrics for the resilience utilities.
// It tracks limiter decisions, batch dispatches, deduplicated calls,
// idempotency cache lookups, offline queue depth and store failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fellowship"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// =============================================================================
// Rate Limiter Metrics
// =============================================================================

var (
	// RateLimitDecisions counts token bucket decisions by limiter name.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions",
		},
		[]string{"limiter", "result"}, // result: allowed, denied
	)

	// RateLimitWaitSeconds tracks how long blocking consumers waited for tokens.
	RateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for tokens in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"limiter"},
	)

	// RateLimitBuckets tracks the number of live per-key buckets.
	RateLimitBuckets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_buckets",
			Help:      "Number of live token buckets",
		},
		[]string{"limiter"},
	)
)

// =============================================================================
// Batcher Metrics
// =============================================================================

var (
	// BatchDispatches counts dispatched batches by outcome.
	BatchDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_dispatches_total",
			Help:      "Dispatched batches",
		},
		[]string{"batcher", "result"}, // result: success, error
	)

	// BatchSize tracks the number of distinct keys per dispatched batch.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Distinct keys per dispatched batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"batcher"},
	)

	// BatchLatency tracks batch function latency.
	BatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch function latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"batcher"},
	)
)

// =============================================================================
// Deduplicator Metrics
// =============================================================================

var (
	// DedupeCalls counts deduplicator calls by whether they started or joined work.
	DedupeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_calls_total",
			Help:      "Deduplicator calls",
		},
		[]string{"name", "result"}, // result: leader, shared
	)
)

// =============================================================================
// Idempotency Metrics
// =============================================================================

var (
	// IdempotencyLookups counts cache lookups by tier and result.
	IdempotencyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_lookups_total",
			Help:      "Idempotency cache lookups",
		},
		[]string{"tier", "result"}, // tier: memory, store; result: hit, miss, expired
	)

	// IdempotencyEvictions counts records removed by size or age.
	IdempotencyEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_evictions_total",
			Help:      "Idempotency records evicted",
		},
		[]string{"reason"}, // reason: size, expired
	)

	// IdempotencyEntries tracks the in-memory record count.
	IdempotencyEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idempotency_entries",
			Help:      "Records held in the in-memory idempotency tier",
		},
	)
)

// =============================================================================
// Offline Queue Metrics
// =============================================================================

var (
	// OfflineQueueDepth tracks the number of queued requests.
	OfflineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Requests waiting in the offline queue",
		},
	)

	// OfflineQueueItems counts processed queue items by outcome.
	OfflineQueueItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_items_total",
			Help:      "Offline queue items by outcome",
		},
		[]string{"result"}, // result: enqueued, evicted, sent, retried, dropped
	)

	// OfflineSyncDuration tracks sync pass duration.
	OfflineSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offline_sync_duration_seconds",
			Help:      "Offline queue sync pass duration in seconds",
			Buckets:   LatencyBuckets,
		},
	)

	// ConnectivityStatus tracks the last observed connectivity (0=unknown, 1=online, 2=offline).
	ConnectivityStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_status",
			Help:      "Connectivity status (0=unknown, 1=online, 2=offline)",
		},
	)
)

// =============================================================================
// Storage Metrics
// =============================================================================

var (
	// StorageFailures counts swallowed store errors.
	StorageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Store operations that failed and were continued in memory",
		},
		[]string{"component", "op"},
	)

	// DBConnectionPoolSize tracks database connection pool size.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Database connection pool size",
		},
		[]string{"pool_type"}, // "active", "idle", "max"
	)
)

// =============================================================================
// HTTP Metrics
// =============================================================================

var (
	// HTTPRequests counts relay HTTP requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Relay HTTP requests",
		},
		[]string{"route", "status_code"},
	)

	// HTTPLatency tracks relay HTTP latency.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "Relay HTTP request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"route"},
	)
)
