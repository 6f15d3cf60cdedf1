// Package metrics provides Prometheus instrumentation for the token engine.
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
	// TriggersTotal counts processed triggers, partitioned by action and
	// outcome ("ok" or "bounced").
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oswap_triggers_total",
		Help: "Total number of triggers processed",
	}, []string{"action", "outcome"})

	// TriggerLatency tracks trigger processing latency by action.
	TriggerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oswap_trigger_latency_seconds",
		Help:    "Trigger processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// TradeVolume tracks cumulative traded reserve volume by side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oswap_trade_volume_total",
		Help: "Cumulative traded reserve volume",
	}, []string{"side"})

	// WhitelistedPools tracks the number of whitelisted, non-blacklisted
	// pool assets.
	WhitelistedPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oswap_whitelisted_pools",
		Help: "Number of whitelisted pool assets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oswap_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oswap_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oswap_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
