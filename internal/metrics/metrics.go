// Package metrics provides Prometheus instrumentation for the capital engine.
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
	// OperationsTotal counts capital operations by type and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_operations_total",
		Help: "Total capital operations executed",
	}, []string{"type", "status"})

	// RetryAttempts counts persistence retry attempts by operation type.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_retry_attempts_total",
		Help: "Retry attempts performed by the operation retry engine",
	}, []string{"type"})

	// OperationsExhausted counts operations dropped after exhausting retries.
	OperationsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capital_operations_exhausted_total",
		Help: "Operations dropped after exhausting all retries",
	})

	// BreakerOpen is 1 while the circuit breaker rejects new operations.
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_circuit_breaker_open",
		Help: "Whether the circuit breaker is currently open",
	})

	// TotalCapital and ReserveCapital mirror the ledger pool state.
	TotalCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_pool_total",
		Help: "Total capital committed to the pool",
	})
	ReserveCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_pool_reserve",
		Help: "Unallocated reserve capital",
	})

	// ActiveWallets tracks wallets by lifecycle status.
	ActiveWallets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capital_wallets",
		Help: "Agent wallets by status",
	}, []string{"status"})

	// DecommissionsTotal counts decommissions by final status.
	DecommissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_decommissions_total",
		Help: "Agent decommissions by final status",
	}, []string{"status"})

	// SnapshotPersistSeconds tracks durable snapshot write latency.
	SnapshotPersistSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capital_snapshot_persist_seconds",
		Help:    "Snapshot persistence latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// WSClients tracks connected websocket dashboard clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_ws_clients",
		Help: "Connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capital_http_request_duration_seconds",
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
