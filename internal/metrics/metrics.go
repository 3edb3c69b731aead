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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_sent_total",
			Help: "Total notifications delivered by channel",
		},
		[]string{"channel"},
	)

	notificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_failed_total",
			Help: "Total notification delivery failures by channel",
		},
		[]string{"channel"},
	)

	notificationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notification_retries_total",
			Help: "Total notification retry attempts by channel",
		},
		[]string{"channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_notification_latency_seconds",
			Help:    "Channel send latency distribution",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_circuit_open_rejections_total",
			Help: "Sends rejected because the channel circuit was open",
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Sends deferred by rate limiting",
		},
		[]string{"scope"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Duplicate deliveries suppressed by the idempotency cache",
		},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_active_connections",
			Help: "Approximate active in-app connections",
		},
	)

	queueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_queue_backlog",
			Help: "Approximate notification jobs waiting in the queue",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
