package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "incentives_gate_build_info",
			Help: "Build information of the incentives gate",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_gate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentives_gate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "incentives_gate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	AuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_gate_authorizations_total",
			Help: "Total number of signed requests checked, by outcome",
		},
		[]string{"kind", "result"}, // result: "ok", "validation", "auth", "forbidden", "replay", "config", "error"
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_gate_executions_total",
			Help: "Total number of authorized requests forwarded downstream",
		},
		[]string{"kind", "status"}, // status: "success", "duplicate", "rejected", "error"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentives_gate_execution_duration_seconds",
			Help:    "Duration of downstream execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"kind"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_gate_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordAuthorization(kind, result string) {
	AuthorizationsTotal.WithLabelValues(kind, result).Inc()
}

func RecordExecution(kind, status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(kind, status).Inc()
	ExecutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
