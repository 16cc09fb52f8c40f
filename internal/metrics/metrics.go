// Package metrics exposes process-wide Prometheus collectors for the
// dispatch pipeline's shared resources and HTTP surface.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	submitAttemptsTotal        *prometheus.CounterVec
	classificationsTotal       *prometheus.CounterVec
	oracleRequestsTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	rateLimitRejectionsTotal   *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	breakerTransitionsTotal    *prometheus.CounterVec
	poolAcquireSeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magnetd_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		submitAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_submit_attempts_total",
				Help: "Downstream submit attempts, labeled by outcome kind.",
			},
			[]string{"result"},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_classifications_total",
				Help: "Classifications, labeled by method and category.",
			},
			[]string{"method", "category"},
		)

		oracleRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_oracle_requests_total",
				Help: "Remote classifier calls, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "magnetd_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magnetd_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_rate_limit_rejections_total",
				Help: "Acquisitions that timed out waiting for a rate limit window.",
			},
			[]string{"endpoint"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "magnetd_circuit_breaker_open",
				Help: "1 when the endpoint's circuit is open or half-open, 0 when closed.",
			},
			[]string{"endpoint"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnetd_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions, labeled by endpoint and target state.",
			},
			[]string{"endpoint", "to"},
		)

		poolAcquireSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magnetd_pool_acquire_seconds",
				Help:    "Time spent waiting for a pooled downstream handle.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tier", "result"},
		)
	})
}

// SanitizeEndpoint reduces a downstream URL to a low-cardinality host label.
func SanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmitAttempt counts one downstream submit attempt.
func ObserveSubmitAttempt(result string) {
	Init()
	submitAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveClassification counts one classifier decision.
func ObserveClassification(method, category string) {
	Init()
	classificationsTotal.WithLabelValues(method, category).Inc()
}

// ObserveOracleRequest counts one remote classifier call.
func ObserveOracleRequest(provider, result string) {
	Init()
	oracleRequestsTotal.WithLabelValues(provider, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitRejection counts an acquisition that gave up.
func ObserveRateLimitRejection(endpoint string) {
	Init()
	rateLimitRejectionsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(endpoint, to string) {
	Init()
	breakerTransitionsTotal.WithLabelValues(endpoint, to).Inc()
	open := 0.0
	if to != "CLOSED" {
		open = 1
	}
	breakerState.WithLabelValues(endpoint).Set(open)
}

// ObservePoolAcquire records how long a pool acquisition took.
func ObservePoolAcquire(tier, result string, duration time.Duration) {
	Init()
	poolAcquireSeconds.WithLabelValues(tier, result).Observe(duration.Seconds())
}
