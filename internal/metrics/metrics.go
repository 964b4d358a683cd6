package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus registry and instruments.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	backendHealthy  *prometheus.GaugeVec
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Authentication attempts by method and outcome.",
		}, []string{"method", "success"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Upstream retry attempts.",
		}, []string{"route"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"backend"}),
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_healthy",
			Help: "Backend health (0=unhealthy, 1=healthy).",
		}, []string{"backend"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.authAttempts,
		m.retriesTotal,
		m.breakerState,
		m.backendHealthy,
	)
	return m
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordRateLimited records a 429 for a route.
func (m *Metrics) RecordRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func (m *Metrics) RecordAuthAttempt(method string, success bool) {
	m.authAttempts.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

// RecordRetry records an upstream retry for a route.
func (m *Metrics) RecordRetry(route string) {
	m.retriesTotal.WithLabelValues(route).Inc()
}

// SetBreakerState publishes a breaker state for a backend.
func (m *Metrics) SetBreakerState(backend string, state int) {
	m.breakerState.WithLabelValues(backend).Set(float64(state))
}

// SetBackendHealthy publishes a backend health flag.
func (m *Metrics) SetBackendHealthy(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealthy.WithLabelValues(backend).Set(v)
}

// Handler returns the exposition endpoint for the admin listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
