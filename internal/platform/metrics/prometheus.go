// Package metrics exposes Prometheus collectors for the RIS order engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ris"

// Metrics holds the application collectors. A nil *Metrics is valid and
// records nothing, so domain code can be built without a registry.
type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated       *prometheus.CounterVec
	DetailOrdersCreated *prometheus.CounterVec
	IdentifierConflicts *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	DispatchRejections  *prometheus.CounterVec
	CreateDuration      *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created, by origin.",
		}, []string{"origin"}),
		DetailOrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detail_orders_created_total",
			Help:      "Detail orders created, by modality code.",
		}, []string{"modality"}),
		IdentifierConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identifier_conflicts_total",
			Help:      "Unique violations on generated identifiers that caused a retry.",
		}, []string{"operation"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Detail order status changes.",
		}, []string{"from", "to", "override"}),
		DispatchRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejections_total",
			Help:      "Moves into IN_QUEUE refused, by first missing field.",
		}, []string{"field"}),
		CreateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_create_duration_seconds",
			Help:      "Order creation latency including identifier retries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"origin"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersCreated,
		m.DetailOrdersCreated,
		m.IdentifierConflicts,
		m.StatusTransitions,
		m.DispatchRejections,
		m.CreateDuration,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OrderCreated(origin string, modalities []string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(origin).Inc()
	for _, mod := range modalities {
		m.DetailOrdersCreated.WithLabelValues(mod).Inc()
	}
	m.CreateDuration.WithLabelValues(origin).Observe(elapsed.Seconds())
}

func (m *Metrics) IdentifierConflict(operation string) {
	if m == nil {
		return
	}
	m.IdentifierConflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) StatusChanged(from, to string, override bool) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to, strconv.FormatBool(override)).Inc()
}

func (m *Metrics) DispatchRejected(field string) {
	if m == nil {
		return
	}
	m.DispatchRejections.WithLabelValues(field).Inc()
}

// Middleware records request counts and latency keyed by the echo route
// pattern rather than the raw path, so ids do not explode cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
