package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/libris/libris/internal/routing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("routes:refresh").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "libris_jobs_total") {
		t.Fatalf("expected body to contain libris_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, "libris_routes_registered 0") {
		t.Fatalf("expected registry gauge, got: %s", body)
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
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `libris_http_requests_total{code="418",route="/test"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `libris_http_request_duration_seconds_bucket{route="/test"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestNavigationAndRegistryMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveNavigation("go", "")
	metrics.ObserveNavigation("redirect", "no_role")
	metrics.ObserveNavigation("redirect", "no_role")

	reg := routing.NewRegistry("en")
	if err := reg.Register(routing.Route{ID: "home", Path: "/"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	metrics.ObserveRegistry(reg)

	body := scrape(t, metrics)
	for _, want := range []string{
		`libris_navigation_decisions_total{kind="go",reason="none"} 1`,
		`libris_navigation_decisions_total{kind="redirect",reason="no_role"} 2`,
		"libris_routes_registered 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveNavigation("go", "")
	m.ObserveRegistry(nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
