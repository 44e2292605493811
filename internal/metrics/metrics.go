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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolframd_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wolframd_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts kernel evaluations by mode and outcome
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolframd_evaluations_total",
			Help: "Total number of kernel evaluations",
		},
		[]string{"mode", "status"},
	)

	// EvaluationDuration tracks how long evaluations run
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wolframd_evaluation_duration_seconds",
			Help:    "Kernel evaluation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// KernelRestarts counts session teardowns that will force a recreate
	KernelRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolframd_kernel_restarts_total",
			Help: "Total number of kernel session restarts",
		},
		[]string{"reason"},
	)

	// KernelUp reports whether a ready kernel session exists
	KernelUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolframd_kernel_up",
			Help: "Whether a ready kernel session currently exists",
		},
	)

	// RateLimitRejections counts throttled requests
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wolframd_rate_limit_rejections_total",
			Help: "Total number of rate-limited requests",
		},
	)

	// UnsafeCodeRejections counts requests rejected by the code screener
	UnsafeCodeRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wolframd_unsafe_code_rejections_total",
			Help: "Total number of requests rejected as unsafe code",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/execute", "/evaluate", "/session", "/metrics", "/mcp":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEvaluation records one kernel evaluation
func RecordEvaluation(mode, status string, elapsed time.Duration) {
	EvaluationsTotal.WithLabelValues(mode, status).Inc()
	if elapsed > 0 {
		EvaluationDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	}
}

// RecordKernelRestart records a session teardown by reason
func RecordKernelRestart(reason string) {
	KernelRestarts.WithLabelValues(reason).Inc()
}

// SetKernelUp sets the kernel liveness gauge
func SetKernelUp(up bool) {
	if up {
		KernelUp.Set(1)
	} else {
		KernelUp.Set(0)
	}
}

// RecordRateLimitRejection records a throttled request
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// RecordUnsafeCodeRejection records a screener rejection
func RecordUnsafeCodeRejection() {
	UnsafeCodeRejections.Inc()
}
