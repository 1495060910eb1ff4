package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "stockbook_stock_clamped_total") {
		t.Fatalf("expected body to contain stockbook_stock_clamped_total, got: %s", body)
	}
	if !strings.Contains(body, "stockbook_ledger_drift_units") {
		t.Fatalf("expected body to contain stockbook_ledger_drift_units, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/stock")

	req := httptest.NewRequest(http.MethodGet, "/stock", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "stockbook_http_requests_total{code=\"418\",route=\"/stock\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "stockbook_http_request_duration_seconds_bucket{route=\"/stock\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsReconcileCounters(t *testing.T) {
	metrics := NewMetrics()

	metrics.ObserveReconcile("SALE", "create", "insufficient_stock")
	metrics.ObserveClamp()
	metrics.SetLedgerDrift(3)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	if !strings.Contains(body, "stockbook_reconcile_total{op=\"create\",outcome=\"insufficient_stock\",type=\"SALE\"} 1") {
		t.Fatalf("expected reconcile counter, got: %s", body)
	}
	if !strings.Contains(body, "stockbook_stock_clamped_total 1") {
		t.Fatalf("expected clamp counter, got: %s", body)
	}
	if !strings.Contains(body, "stockbook_ledger_drift_units 3") {
		t.Fatalf("expected drift gauge, got: %s", body)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var metrics *Metrics

	metrics.ObserveReconcile("SALE", "create", "ok")
	metrics.ObserveClamp()
	metrics.SetLedgerDrift(0)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rr.Code)
	}
}
