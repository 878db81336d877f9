// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequestsTotal     *prometheus.CounterVec
	pagesEmittedTotal    prometheus.Counter
	videosObservedTotal  prometheus.Counter
	storagePagesTotal    *prometheus.CounterVec
	quotaWaitsTotal      *prometheus.CounterVec
	retryWaitSeconds     *prometheus.HistogramVec
	secondaryCacheHits   *prometheus.CounterVec
	secondaryCacheMisses *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tikcrawl_api_requests_total",
				Help: "Total physical API requests sent, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		pagesEmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tikcrawl_pages_emitted_total",
				Help: "Total response pages emitted by the pagination driver.",
			},
		)

		videosObservedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tikcrawl_videos_observed_total",
				Help: "Total video records observed across all emitted pages.",
			},
		)

		storagePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tikcrawl_storage_pages_total",
				Help: "Total pages handed to the storage coordinator, labeled by status.",
			},
			[]string{"status"},
		)

		quotaWaitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tikcrawl_quota_waits_total",
				Help: "Total quota-exhaustion waits, labeled by wait strategy.",
			},
			[]string{"strategy"},
		)

		retryWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tikcrawl_retry_wait_seconds",
				Help:    "Histogram of wait durations imposed by the retry policy, labeled by reason.",
				Buckets: []float64{1, 5, 15, 60, 300, 3600, 14400, 86400},
			},
			[]string{"reason"},
		)

		secondaryCacheHits = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tikcrawl_secondary_cache_hits_total",
				Help: "Run-scoped cache hits for secondary lookups, labeled by kind.",
			},
			[]string{"kind"},
		)

		secondaryCacheMisses = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tikcrawl_secondary_cache_misses_total",
				Help: "Run-scoped cache misses for secondary lookups, labeled by kind.",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// IncAPIRequest records one physical API request.
func IncAPIRequest(endpoint, outcome string) {
	Init()
	apiRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// IncPageEmitted records one page emitted by the driver together with its item count.
func IncPageEmitted(videos int) {
	Init()
	pagesEmittedTotal.Inc()
	videosObservedTotal.Add(float64(videos))
}

// IncStoragePage records the outcome of one persist_page call.
func IncStoragePage(status string) {
	Init()
	storagePagesTotal.WithLabelValues(status).Inc()
}

// IncQuotaWait records one quota-exhaustion wait for the given strategy.
func IncQuotaWait(strategy string) {
	Init()
	quotaWaitsTotal.WithLabelValues(strategy).Inc()
}

// ObserveRetryWait records the duration of a policy-imposed wait.
func ObserveRetryWait(reason string, d time.Duration) {
	Init()
	retryWaitSeconds.WithLabelValues(reason).Observe(d.Seconds())
}

// IncCacheHit records a run-scoped cache hit for a secondary lookup kind.
func IncCacheHit(kind string) {
	Init()
	secondaryCacheHits.WithLabelValues(kind).Inc()
}

// IncCacheMiss records a run-scoped cache miss for a secondary lookup kind.
func IncCacheMiss(kind string) {
	Init()
	secondaryCacheMisses.WithLabelValues(kind).Inc()
}
