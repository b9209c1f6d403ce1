// Package metrics provides Prometheus metrics for the tinyfs storage layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Size-limited cache metrics
	cacheUsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinyfs_cache_used_bytes",
			Help: "Bytes accounted in the cache manifest, including reserved entries",
		},
		[]string{"root"},
	)

	cacheMaxBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinyfs_cache_max_bytes",
			Help: "Configured cache budget in bytes",
		},
		[]string{"root"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_cache_evictions_total",
			Help: "Files evicted to make room for writes",
		},
		[]string{"root"},
	)

	cacheEvictedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_cache_evicted_bytes_total",
			Help: "Bytes freed by eviction",
		},
		[]string{"root"},
	)

	cacheRejectedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_cache_rejected_writes_total",
			Help: "Writes rejected because they cannot fit in the budget",
		},
		[]string{"root"},
	)

	cacheWipesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_cache_wipes_total",
			Help: "Root directory wipes, by reason",
		},
		[]string{"root", "reason"},
	)

	manifestFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_manifest_flushes_total",
			Help: "Manifest writes to the metadata file",
		},
		[]string{"status"},
	)

	// Subpackage metrics
	subpackageLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_subpackage_loads_total",
			Help: "Subpackage fetches started, by result",
		},
		[]string{"result"},
	)

	subpackageWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tinyfs_subpackage_dedup_waits_total",
			Help: "Reads that attached to an in-flight subpackage fetch",
		},
	)

	subpackageLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinyfs_subpackage_load_duration_seconds",
			Help:    "Time to fetch one subpackage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinyfs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyfs_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCacheUsage records the manifest total and budget for a cache root.
func SetCacheUsage(root string, used, max int64) {
	cacheUsedBytes.WithLabelValues(root).Set(float64(used))
	cacheMaxBytes.WithLabelValues(root).Set(float64(max))
}

// RecordEviction records one evicted file.
func RecordEviction(root string, bytes int64) {
	cacheEvictionsTotal.WithLabelValues(root).Inc()
	cacheEvictedBytes.WithLabelValues(root).Add(float64(bytes))
}

// RecordRejectedWrite records a write refused for lack of space.
func RecordRejectedWrite(root string) {
	cacheRejectedWrites.WithLabelValues(root).Inc()
}

// RecordWipe records a root wipe ("version" or "clear").
func RecordWipe(root, reason string) {
	cacheWipesTotal.WithLabelValues(root, reason).Inc()
}

// RecordManifestFlush records a manifest persist attempt.
func RecordManifestFlush(success bool) {
	manifestFlushes.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSubpackageLoad records a finished subpackage fetch.
func RecordSubpackageLoad(duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	subpackageLoads.WithLabelValues(result).Inc()
	subpackageLoadDuration.Observe(duration.Seconds())
}

// RecordSubpackageWait records a read that joined an in-flight fetch.
func RecordSubpackageWait() {
	subpackageWaits.Inc()
}

// RecordS3Operation records an S3 operation's duration and outcome.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
