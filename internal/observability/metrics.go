package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconcileTotal  *prometheus.CounterVec
	clampedTotal    prometheus.Counter
	ledgerDrift     prometheus.Gauge
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbook_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockbook_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbook_reconcile_total",
		Help: "Reconciliation operations by transaction type and outcome.",
	}, []string{"type", "op", "outcome"})
	clamped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockbook_stock_clamped_total",
		Help: "Reversals clamped at zero instead of going negative.",
	})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockbook_ledger_drift_units",
		Help: "Absolute quantity drift found by the last integrity scan.",
	})
	registry.MustRegister(requests, duration, reconcile, clamped, drift)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		reconcileTotal:  reconcile,
		clampedTotal:    clamped,
		ledgerDrift:     drift,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveReconcile counts one reconciliation operation.
func (m *Metrics) ObserveReconcile(txType, op, outcome string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(txType, op, outcome).Inc()
}

// ObserveClamp counts a zero-floor clamp during a reversal.
func (m *Metrics) ObserveClamp() {
	if m == nil {
		return
	}
	m.clampedTotal.Inc()
}

// SetLedgerDrift publishes the drift found by the integrity scan.
func (m *Metrics) SetLedgerDrift(units float64) {
	if m == nil {
		return
	}
	m.ledgerDrift.Set(units)
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
