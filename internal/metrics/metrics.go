// Package metrics provides Prometheus instrumentation for the prediction engine.
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
	// TradesTotal counts executed trades, partitioned by type and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type", "side"})

	// TradeLatency tracks trade execution latency by trade type.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeRejections counts trades rejected before execution, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omx_trade_rejections_total",
		Help: "Trades rejected before execution",
	}, []string{"reason"})

	// QueueDepth tracks the number of operations waiting per execution lane.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omx_trade_queue_depth",
		Help: "Number of trade operations queued or executing",
	})

	// SweepsTotal counts resolution sweeps by outcome.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omx_sweeps_total",
		Help: "Resolution sweeps completed, by outcome",
	}, []string{"outcome"})

	// SweepPositionsSettled counts positions settled by sweeps.
	SweepPositionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omx_sweep_positions_settled_total",
		Help: "Positions settled by resolution sweeps",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative traded quantity per market in micro-shares.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omx_market_volume_total",
		Help: "Cumulative trade volume in micro-shares",
	}, []string{"market_id", "side"})
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
