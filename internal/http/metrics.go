package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments the HTTP surface with a dedicated registry so
// tests can run multiple servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	requestDur    *prometheus.HistogramVec
	hookFailures  *prometheus.CounterVec
}

// NewMetrics builds the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oakd_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		requestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oakd_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oakd_hook_failures_total",
			Help: "Hook deliveries that failed internally and returned {}.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDur, m.hookFailures)
	return m
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		path := c.Path() // route pattern, not raw URI
		m.requestsTotal.WithLabelValues(
			c.Request().Method, path, strconv.Itoa(c.Response().Status),
		).Inc()
		m.requestDur.WithLabelValues(c.Request().Method, path).
			Observe(time.Since(start).Seconds())
		return err
	}
}

// HookFailure counts a best-effort hook failure.
func (m *Metrics) HookFailure(event string) {
	m.hookFailures.WithLabelValues(event).Inc()
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
