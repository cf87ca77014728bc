// Package middleware provides HTTP middleware for the proxy server:
// Prometheus metrics and transparent request decompression.
package middleware

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts HTTP requests by method, path and status.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks request latency.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steersman_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks in-flight requests.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steersman_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	// driftChecksTotal counts drift checks by resulting correction level.
	driftChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_drift_checks_total",
			Help: "Total drift checks grouped by correction level",
		},
		[]string{"level"},
	)

	// correctionsInjectedTotal counts injected corrections by type.
	correctionsInjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_corrections_injected_total",
			Help: "Total correction messages injected into requests",
		},
		[]string{"type"}, // correction or forced_recovery
	)

	// injectionsReplayedTotal counts injection records replayed onto
	// continued or retried conversations for prefix stability.
	injectionsReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steersman_injections_replayed_total",
			Help: "Total injection records replayed for cache-prefix stability",
		},
	)

	// upstreamTokensTotal tracks token usage reported by upstream responses.
	upstreamTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_upstream_tokens_total",
			Help: "Total tokens reported in upstream usage blocks",
		},
		[]string{"type"}, // input or output
	)

	// upstreamErrorsTotal counts failed upstream round trips.
	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_upstream_errors_total",
			Help: "Total upstream request failures",
		},
		[]string{"reason"},
	)

	// memoryFetchesTotal counts memory service lookups by outcome.
	memoryFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steersman_memory_fetches_total",
			Help: "Total memory service fetches grouped by outcome",
		},
		[]string{"outcome"}, // hit, empty, error
	)

	activeConnectionsCount int64

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics. Safe to call more than
// once; registration happens exactly once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		driftChecksTotal,
		correctionsInjectedTotal,
		injectionsReplayedTotal,
		upstreamTokensTotal,
		upstreamErrorsTotal,
		memoryFetchesTotal,
	)
}

// PrometheusMiddleware collects request count, duration and connection
// gauges for every request except /metrics itself.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		atomic.AddInt64(&activeConnectionsCount, 1)
		activeConnections.Inc()
		defer func() {
			atomic.AddInt64(&activeConnectionsCount, -1)
			activeConnections.Dec()
		}()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath keeps metric cardinality bounded.
func normalizePath(path string) string {
	switch {
	case path == "/v1/messages" || path == "/messages":
		return "/v1/messages"
	case path == "/health" || path == "/metrics" || path == "/logs/recent":
		return path
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// GetActiveConnections returns the current number of in-flight requests.
func GetActiveConnections() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// RecordDriftCheck records one drift check outcome.
func RecordDriftCheck(level string) {
	if !IsMetricsEnabled() {
		return
	}
	driftChecksTotal.WithLabelValues(level).Inc()
}

// RecordCorrectionInjected records an injected correction message.
func RecordCorrectionInjected(kind string) {
	if !IsMetricsEnabled() {
		return
	}
	correctionsInjectedTotal.WithLabelValues(kind).Inc()
}

// RecordInjectionsReplayed adds to the replayed-record counter.
func RecordInjectionsReplayed(n int) {
	if !IsMetricsEnabled() || n <= 0 {
		return
	}
	injectionsReplayedTotal.Add(float64(n))
}

// RecordUpstreamTokens records usage tokens from an upstream response.
// tokenType is "input" or "output".
func RecordUpstreamTokens(tokenType string, tokens int) {
	if !IsMetricsEnabled() || tokens <= 0 {
		return
	}
	upstreamTokensTotal.WithLabelValues(tokenType).Add(float64(tokens))
}

// RecordUpstreamError records a failed upstream round trip.
func RecordUpstreamError(reason string) {
	if !IsMetricsEnabled() {
		return
	}
	upstreamErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordMemoryFetch records a memory service lookup outcome.
func RecordMemoryFetch(outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	memoryFetchesTotal.WithLabelValues(outcome).Inc()
}
