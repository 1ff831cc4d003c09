// Package metrics exposes Prometheus collectors for the crawler and its resilience layer.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerRobotsDeniedTotal      *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRateLimitRejections    *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	adaptiveTimeoutSeconds *prometheus.GaugeVec
	timeoutsTotal          *prometheus.CounterVec

	lockAttemptsTotal *prometheus.CounterVec
	fallbacksTotal    *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec

	operationDurationSeconds *prometheus.HistogramVec
	healthCheckStatus        *prometheus.GaugeVec
	sweepsTotal              *prometheus.CounterVec
	observationsTotal        *prometheus.CounterVec
	disparityPercent         *prometheus.GaugeVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of fetch retries, labeled by site.",
			},
			[]string{"site"},
		)
		crawlerRobotsDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_denied_total",
				Help: "Total number of URLs refused by robots.txt, labeled by site.",
			},
			[]string{"site"},
		)
		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		crawlerRateLimitRejections = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_rate_limit_rejections_total",
				Help: "Total number of requests rejected by the shared window limiter.",
			},
			[]string{"domain"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current breaker state (0=closed, 1=open, 2=half_open), labeled by breaker.",
			},
			[]string{"breaker"},
		)
		breakerTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Total number of breaker state transitions, labeled by breaker and target state.",
			},
			[]string{"breaker", "state"},
		)
		breakerRejections = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_rejections_total",
				Help: "Total number of calls rejected without running, labeled by breaker.",
			},
			[]string{"breaker"},
		)

		adaptiveTimeoutSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adaptive_timeout_seconds",
				Help: "Most recently computed adaptive deadline, labeled by host.",
			},
			[]string{"host"},
		)
		timeoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adaptive_timeouts_total",
				Help: "Total number of operations that exceeded their adaptive deadline.",
			},
			[]string{"host"},
		)

		lockAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributed_lock_attempts_total",
				Help: "Total number of lock acquisition attempts, labeled by result.",
			},
			[]string{"result"},
		)
		fallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "degradation_fallbacks_total",
				Help: "Total number of fallback executions, labeled by operation.",
			},
			[]string{"operation"},
		)
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "degradation_cache_lookups_total",
				Help: "Cache lookups labeled by result (hit, miss, stale).",
			},
			[]string{"result"},
		)

		operationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "Histogram of measured operation durations, labeled by operation and outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation", "success"},
		)
		healthCheckStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "health_check_status",
				Help: "Result of the last health check (1=healthy, 0=unhealthy), labeled by check.",
			},
			[]string{"check"},
		)
		sweepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_sweeps_total",
				Help: "Total number of price sweeps, labeled by status.",
			},
			[]string{"status"},
		)
		observationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_observations_total",
				Help: "Total number of price observations, labeled by market and status.",
			},
			[]string{"market", "status"},
		)
		disparityPercent = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "price_disparity_percent",
				Help: "Latest KR/US price gap as a percentage of the US price, labeled by product.",
			},
			[]string{"product"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl records one crawl outcome.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry increments the retry counter for the site.
func ObserveRetry(site string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRobotsDenied increments the robots.txt refusal counter.
func ObserveRobotsDenied(site string) {
	Init()
	crawlerRobotsDeniedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRateLimitRejection counts a request refused by the shared window.
func ObserveRateLimitRejection(domain string) {
	Init()
	crawlerRateLimitRejections.WithLabelValues(domain).Inc()
}

// SetBreakerState records the current state code of a breaker.
func SetBreakerState(name string, state int) {
	Init()
	breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveBreakerTransition counts a breaker moving into state.
func ObserveBreakerTransition(name, state string) {
	Init()
	breakerTransitions.WithLabelValues(name, state).Inc()
}

// ObserveBreakerRejection counts a fail-fast rejection.
func ObserveBreakerRejection(name string) {
	Init()
	breakerRejections.WithLabelValues(name).Inc()
}

// SetAdaptiveTimeout records the deadline computed for host.
func SetAdaptiveTimeout(host string, d time.Duration) {
	Init()
	adaptiveTimeoutSeconds.WithLabelValues(host).Set(d.Seconds())
}

// ObserveTimeout counts an operation that ran past its deadline.
func ObserveTimeout(host string) {
	Init()
	timeoutsTotal.WithLabelValues(host).Inc()
}

// ObserveLockAttempt counts a lock attempt; result is acquired, contended or error.
func ObserveLockAttempt(result string) {
	Init()
	lockAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveFallback counts a fallback execution.
func ObserveFallback(operation string) {
	Init()
	fallbacksTotal.WithLabelValues(operation).Inc()
}

// ObserveCacheLookup counts a cache lookup result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveOperation records a measured operation.
func ObserveOperation(operation string, success bool, duration time.Duration) {
	Init()
	operationDurationSeconds.WithLabelValues(operation, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// SetHealthCheck records the last result of a health check.
func SetHealthCheck(check string, healthy bool) {
	Init()
	v := 0.0
	if healthy {
		v = 1
	}
	healthCheckStatus.WithLabelValues(check).Set(v)
}

// ObserveSweep counts a sweep run by status.
func ObserveSweep(status string) {
	Init()
	sweepsTotal.WithLabelValues(status).Inc()
}

// ObserveObservation counts a product observation by market and status.
func ObserveObservation(market, status string) {
	Init()
	observationsTotal.WithLabelValues(market, status).Inc()
}

// SetDisparity records the latest price gap for a product.
func SetDisparity(product string, percent float64) {
	Init()
	disparityPercent.WithLabelValues(product).Set(percent)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
