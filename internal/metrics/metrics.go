// Package metrics provides Prometheus instrumentation for the backtest
// engine.
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
	// OrdersTotal counts submitted orders, partitioned by offset.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bts_orders_total",
		Help: "Total number of orders submitted",
	}, []string{"offset"})

	// OrdersRejected counts orders rejected by validation.
	OrdersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bts_orders_rejected_total",
		Help: "Orders rejected by exchange validation",
	})

	// TradesTotal counts fills, partitioned by offset.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bts_trades_total",
		Help: "Total number of trades executed",
	}, []string{"offset"})

	// SettlementsTotal counts mark-to-market settlements.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bts_settlements_total",
		Help: "Mark-to-market settlements performed",
	})

	// SettlementDuration tracks wall time per settlement.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bts_settlement_duration_seconds",
		Help:    "Settlement computation time in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// PortfolioValue tracks the portfolio value at the latest settlement.
	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bts_portfolio_value",
		Help: "Portfolio value at the most recent settlement",
	})

	// SimulationTicks counts processed event-source ticks by kind.
	SimulationTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bts_simulation_ticks_total",
		Help: "Event-source ticks processed",
	}, []string{"kind"})

	// HTTPRequestsTotal counts results-server requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bts_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bts_http_request_duration_seconds",
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

		// Use the raw path for the label; the results API is small enough
		// that cardinality is not a concern.
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
