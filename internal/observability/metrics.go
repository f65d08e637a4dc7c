package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are defined globally here, so the syncer binary also
// exposes the (zero valued) API and engine series and vice versa.

// namespace defines the global prefix for all metrics (e.g., verdict_...).
const namespace = "verdict"

// lowLatencyBuckets defines custom buckets for the evaluation hot path.
// Standard buckets are too coarse (starting at 5ms), so we add sub-millisecond resolution.
// Range: 100µs to 500ms.
var lowLatencyBuckets = []float64{.0001, .00025, .0005, .001, .002, .005, .010, .025, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// EVALUATION API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: verdict_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the evaluation API",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "route"})

	// APIReqTotal counts the total number of HTTP requests.
	// Metric: verdict_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the evaluation API",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// ENGINE
	// -------------------------------------------------------------------------

	// EvaluationsTotal counts flag decisions by reason.
	// Metric: verdict_engine_evaluations_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by reason",
	}, []string{"reason"})

	// BatchCells observes the number of cells per batch evaluation.
	BatchCells = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "batch_cells",
		Help:      "Number of (flag, environment) cells per batch evaluation",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 7), // 1 .. 4096
	})

	// --- Result Cache Metrics (Otter) ---

	ResultCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "result_cache_hits_total",
		Help:      "Total result cache hits (in-memory)",
	})

	ResultCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "result_cache_misses_total",
		Help:      "Total result cache misses",
	})

	// ResultCacheEvictions tracks items removed because the cache was full.
	// Essential for tuning the capacity.
	ResultCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "result_cache_evictions_total",
		Help:      "Total results evicted due to capacity",
	})

	// ResultCacheItems reports the item count. S3-FIFO (Otter) tracks
	// items efficiently, but not byte size.
	ResultCacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "result_cache_items_count",
		Help:      "Current number of results in the cache",
	})

	// ResultCacheDropped tracks writes rejected by the cache.
	ResultCacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "result_cache_dropped_total",
		Help:      "Total sets rejected by the result cache",
	})

	// -------------------------------------------------------------------------
	// SNAPSHOT (API side)
	// -------------------------------------------------------------------------

	// SnapshotVersion is the version currently served.
	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "version",
		Help:      "Version of the snapshot currently served",
	})

	// SnapshotFlags is the number of flags in the served snapshot.
	SnapshotFlags = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "flags_count",
		Help:      "Number of flags in the snapshot currently served",
	})

	// SnapshotRefreshesTotal counts refresh attempts by outcome.
	// status: applied, unchanged, failed
	SnapshotRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "refreshes_total",
		Help:      "Total snapshot refresh attempts by outcome",
	}, []string{"status"})

	// SnapshotNotifications counts update notifications received via PubSub.
	SnapshotNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "notifications_total",
		Help:      "Total snapshot update notifications received via PubSub",
	})

	// -------------------------------------------------------------------------
	// SYNCER (Worker)
	// -------------------------------------------------------------------------

	// SyncerCycleDuration measures one load-build-publish cycle.
	// Metric: verdict_syncer_cycle_duration_seconds
	SyncerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a syncer cycle from load to publish",
		Buckets:   prometheus.DefBuckets,
	})

	// SyncerCyclesTotal counts syncer cycles by outcome.
	// status: published, unchanged, skipped, failed
	SyncerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycles_total",
		Help:      "Total syncer cycles by outcome",
	}, []string{"status"})

	// SyncerSkippedFlags counts flags dropped from a snapshot because they
	// failed to compile.
	SyncerSkippedFlags = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "skipped_flags_total",
		Help:      "Total flags skipped because they failed to compile",
	})

	// -------------------------------------------------------------------------
	// CONNECTION POOLS
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports pgx pool connections by state.
	// state: total, idle, in_use, max
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "connections",
		Help:      "Database pool connections by state",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "acquire_duration_seconds_total",
		Help:      "Total time spent acquiring connections",
	})

	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database_pool",
		Name:      "wait_count_total",
		Help:      "Total acquisitions that had to wait for a connection",
	})

	// RedisPoolConnections reports go-redis pool connections by state.
	// state: total, idle, stale
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "connections",
		Help:      "Redis pool connections by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "hits_total",
		Help:      "Total times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "misses_total",
		Help:      "Total times a free connection was not found in the pool",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_pool",
		Name:      "timeouts_total",
		Help:      "Total times a wait for a connection timed out",
	})
)

// AddDelta adds the growth of a cumulative source counter to c and returns
// the new baseline. Pool statistics are cumulative, so monitors feed the
// difference between two samples.
func AddDelta(c prometheus.Counter, previous, current float64) float64 {
	if current > previous {
		c.Add(current - previous)
	}
	return current
}
