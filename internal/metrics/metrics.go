// Package metrics provides Prometheus instrumentation for the draw engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DrawsTotal counts draw attempts by result: prize, bonus, sold_out, error.
	DrawsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kuji_draws_total",
		Help: "Total number of draw attempts by result",
	}, []string{"result"})

	// DrawLatency measures a draw from lock acquisition to commit.
	DrawLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kuji_draw_latency_seconds",
		Help:    "Draw latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DrawConflictRetries counts commits retried after a concurrent modification.
	DrawConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kuji_draw_conflict_retries_total",
		Help: "Draw commits retried after a ticket conflict",
	})

	// PrizesAwarded counts awarded prizes per level.
	PrizesAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kuji_prizes_awarded_total",
		Help: "Prizes awarded by level code",
	}, []string{"activity_id", "level"})

	// ActiveActivities tracks activities currently on sale.
	ActiveActivities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kuji_active_activities",
		Help: "Number of activities currently on sale",
	})

	// ActivitiesHalted counts activities stopped by an inventory integrity failure.
	ActivitiesHalted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kuji_activities_halted_total",
		Help: "Activities halted after an inventory underflow",
	})

	// VerificationsTotal counts audit runs by outcome: passed, failed.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kuji_verifications_total",
		Help: "Verification runs by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kuji_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kuji_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kuji_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so activity ids do not explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
