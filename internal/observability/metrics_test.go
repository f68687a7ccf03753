package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.IncConsumption()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "lotledger_consumptions_total 1") {
		t.Fatalf("expected body to contain lotledger_consumptions_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	rrMetrics := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rrMetrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rrMetrics.Body.String(), `route="/test"`) {
		t.Fatalf("expected request metric for /test route")
	}
}

func TestRegistererFeedsHandler(t *testing.T) {
	metrics := NewMetrics()

	jobRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotledger_worker_runs_total",
		Help: "Test counter registered through the shared registry.",
	})
	metrics.Registerer().MustRegister(jobRuns)
	jobRuns.Inc()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "lotledger_worker_runs_total 1") {
		t.Fatalf("expected externally registered counter in scrape output")
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.IncConsumption()
	metrics.IncTxConflict()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
