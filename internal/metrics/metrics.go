// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	crawlAttemptsTotal         *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	proxyUsageTotal            *prometheus.CounterVec
	discoveryCandidatesTotal   *prometheus.CounterVec
	quotaConsumedTotal         prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nerede_cache_lookups_total",
				Help: "Total cache lookups, labeled by outcome (hit, stale, expired, miss).",
			},
			[]string{"status"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nerede_jobs_total",
				Help: "Total background job executions, labeled by type and resulting status.",
			},
			[]string{"type", "status"},
		)

		crawlAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nerede_crawl_attempts_total",
				Help: "Total browser connection attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nerede_crawl_duration_seconds",
				Help:    "Histogram of crawl durations, labeled by operation.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"operation"},
		)

		proxyUsageTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nerede_proxy_usage_total",
				Help: "Total proxy usage records, labeled by tier and success.",
			},
			[]string{"tier", "success"},
		)

		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nerede_discovery_candidates_total",
				Help: "Total discovery candidates before merge, labeled by source.",
			},
			[]string{"source"},
		)

		quotaConsumedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nerede_quota_consumed_total",
				Help: "Total official API calls admitted by the quota governor.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nerede_rate_limit_delay_seconds",
				Help:    "Histogram of time spent waiting on outbound rate limiters, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheLookup counts a cache lookup outcome.
func ObserveCacheLookup(status string) {
	Init()
	cacheLookupsTotal.WithLabelValues(status).Inc()
}

// ObserveJob counts a job execution outcome.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveCrawlAttempt counts a single browser connection attempt.
func ObserveCrawlAttempt(outcome string) {
	Init()
	crawlAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCrawl records how long a crawl operation took.
func ObserveCrawl(operation string, duration time.Duration) {
	Init()
	crawlDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveProxyUsage counts a proxy usage record.
func ObserveProxyUsage(tier string, success bool) {
	Init()
	proxyUsageTotal.WithLabelValues(tier, strconv.FormatBool(success)).Inc()
}

// ObserveDiscoveryCandidates adds pre-merge candidate counts for a source.
func ObserveDiscoveryCandidates(source string, n int) {
	Init()
	if n > 0 {
		discoveryCandidatesTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveQuotaConsumed counts one admitted official API call.
func ObserveQuotaConsumed() {
	Init()
	quotaConsumedTotal.Inc()
}

// ObserveRateLimitDelay records how long an outbound call waited for a token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
