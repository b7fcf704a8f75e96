package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infergate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"method", "endpoint", "status"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infergate_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_active_requests",
			Help: "Number of requests being served",
		},
	)

	qpsLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infergate_qps_limited_total",
			Help: "Requests rejected by the per-client QPS limiter",
		},
	)
)

// MetricsMiddleware collects Prometheus HTTP metrics.
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeRequests.Inc()
			defer activeRequests.Dec()

			wrapped := NewStreamingResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			route := getRoutePattern(r)
			status := strconv.Itoa(wrapped.StatusCode())
			httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration)
			httpResponseSize.WithLabelValues(r.Method, route).Observe(float64(wrapped.BytesWritten()))

			// Streams legitimately run long
			if duration > 60 && wrapped.Header().Get("Content-Type") != "text/event-stream" {
				logger.Warn("Slow request detected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Float64("duration", duration),
					zap.Int("status", wrapped.StatusCode()),
				)
			}
		})
	}
}

// getRoutePattern must run after routing so chi has filled in the pattern.
func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/chat/completions", "/v1/completions", "/v1/models", "/chat/completions", "/completions", "/models"} {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	if strings.HasPrefix(path, "/admin/") {
		return "/admin"
	}
	return "other"
}
