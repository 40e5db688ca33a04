// Package metrics provides Prometheus metrics for the githubfuse client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Materialization metrics
	clonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githubfuse_clones_total",
			Help: "Total number of repository clone attempts",
		},
		[]string{"result"},
	)

	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githubfuse_refreshes_total",
			Help: "Total number of repository refresh attempts",
		},
		[]string{"result"},
	)

	cloneDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "githubfuse_clone_duration_seconds",
			Help:    "Clone and refresh duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	leaseWaitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "githubfuse_lease_wait_timeouts_total",
			Help: "Waiters that gave up on an in-flight clone",
		},
	)

	repositoriesReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "githubfuse_repositories_ready",
			Help: "Repositories currently materialized and ready",
		},
	)

	// Directory cache metrics
	dirCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "githubfuse_dircache_hits_total",
			Help: "Directory listings served from cache",
		},
	)

	dirCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "githubfuse_dircache_misses_total",
			Help: "Directory listings that invoked the producer",
		},
	)

	// GitHub API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githubfuse_api_requests_total",
			Help: "GitHub API requests by status code",
		},
		[]string{"status"},
	)

	// FUSE operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "githubfuse_fs_operations_total",
			Help: "Filesystem operations by type and outcome",
		},
		[]string{"op", "outcome"},
	)

	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "githubfuse_bytes_read_total",
			Help: "Bytes served from local working copies",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordClone records a clone attempt.
func RecordClone(duration time.Duration, err error) {
	cloneDuration.Observe(duration.Seconds())
	clonesTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordRefresh records a refresh attempt.
func RecordRefresh(duration time.Duration, err error) {
	cloneDuration.Observe(duration.Seconds())
	refreshesTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordLeaseTimeout records a waiter exceeding its bound.
func RecordLeaseTimeout() {
	leaseWaitTimeouts.Inc()
}

// SetRepositoriesReady sets the number of ready repositories.
func SetRepositoriesReady(n int) {
	repositoriesReady.Set(float64(n))
}

// RecordDirCacheHit records a directory cache hit.
func RecordDirCacheHit() {
	dirCacheHits.Inc()
}

// RecordDirCacheMiss records a directory cache miss.
func RecordDirCacheMiss() {
	dirCacheMisses.Inc()
}

// RecordAPIRequest records a GitHub API response.
func RecordAPIRequest(status int) {
	apiRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordFSOp records a filesystem operation outcome.
func RecordFSOp(op string, err error) {
	fsOpsTotal.WithLabelValues(op, outcome(err)).Inc()
}

// RecordBytesRead records bytes served to readers.
func RecordBytesRead(n int) {
	bytesRead.Add(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
