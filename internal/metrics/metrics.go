// Package metrics provides Prometheus instrumentation for the exchange.
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
	// TradesTotal counts executed trades, partitioned by kind (peer, market).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded units per stock.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_volume_units_total",
		Help: "Cumulative traded units",
	}, []string{"stock"})

	// OperationLatency tracks ledger operation latency, lock wait included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations that failed, by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rejections_total",
		Help: "Operations rejected, by error kind",
	}, []string{"op", "reason"})

	// Reversals counts reverted trades by mode (exact, compensated).
	Reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_reversals_total",
		Help: "Trades reverted",
	}, []string{"mode"})

	// IPOEvents counts IPO lifecycle steps (start, end, apply, allot, close).
	IPOEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_ipo_events_total",
		Help: "IPO lifecycle operations completed",
	}, []string{"event"})

	// FeesCollected is the cumulative brokerage charged, in currency units.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_brokerage_fees_total",
		Help: "Brokerage fees collected",
	}, []string{"house"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
