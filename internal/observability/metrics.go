package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/libris/libris/internal/jobs"
	"github.com/libris/libris/internal/routing"
)

// Metrics collects the Prometheus metrics exported by the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	navigation      *prometheus.CounterVec
	routes          prometheus.Gauge
	routesSwapped   prometheus.Gauge
	jobs            *jobmetrics.Metrics
}

// NewMetrics initialises a private registry with the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libris_http_requests_total",
		Help: "HTTP requests partitioned by route pattern and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "libris_http_request_duration_seconds",
		Help:    "HTTP request duration per route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	navigation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libris_navigation_decisions_total",
		Help: "Navigation decisions partitioned by kind and denial reason.",
	}, []string{"kind", "reason"})
	routes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libris_routes_registered",
		Help: "Number of routes in the active registry.",
	})
	swapped := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libris_routes_last_swap_timestamp_seconds",
		Help: "Unix time of the last registry swap.",
	})
	registry.MustRegister(requests, duration, navigation, routes, swapped)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		navigation:      navigation,
		routes:          routes,
		routesSwapped:   swapped,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency.
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

// ObserveNavigation counts a resolved navigation decision.
func (m *Metrics) ObserveNavigation(kind, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.navigation.WithLabelValues(kind, reason).Inc()
}

// ObserveRegistry is a routing.SwapHook exporting the active registry size.
func (m *Metrics) ObserveRegistry(reg *routing.Registry) {
	if m == nil || reg == nil {
		return
	}
	m.routes.Set(float64(reg.Len()))
	m.routesSwapped.SetToCurrentTime()
}

// Jobs returns the job metrics bound to this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// Registerer exposes the registry for custom collectors.
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
