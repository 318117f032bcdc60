// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// schedule mutations behind it.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds telemetry settings.
type Config struct {
	ServiceName string
	Enabled     bool
}

// Provider owns a private registry so tests and multiple servers in one
// process never collide on metric names. All methods are safe on a nil
// *Provider, which records nothing.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	mutations *prometheus.CounterVec
	patients  prometheus.Gauge
	events    *prometheus.CounterVec
}

// NewProvider builds the registry and registers every collector.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vaxtrack"
	}
	constLabels := prometheus.Labels{"service": cfg.ServiceName}

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_active_requests",
			Help:        "Number of in-flight HTTP requests",
			ConstLabels: constLabels,
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "schedule_mutations_total",
			Help:        "Schedule and patient mutations by operation and outcome",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		patients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "patients_registered",
			Help:        "Number of registered patients seen by the last population listing",
			ConstLabels: constLabels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "schedule_events_published_total",
			Help:        "Change events published to live subscribers",
			ConstLabels: constLabels,
		}, []string{"type"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpRequests,
		p.httpDuration,
		p.httpActive,
		p.mutations,
		p.patients,
		p.events,
	)
	return p
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Enabled reports whether HTTP metrics are collected and served.
func (p *Provider) Enabled() bool { return p != nil && p.cfg.Enabled }

// MetricsMiddleware records request count, latency and in-flight requests
// labelled by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.Enabled() {
				return next(c)
			}
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}

// RecordMutation counts one service mutation. outcome is "ok" or an error
// class such as "not_found".
func (p *Provider) RecordMutation(operation, outcome string) {
	if p == nil {
		return
	}
	p.mutations.WithLabelValues(operation, outcome).Inc()
}

// SetPatientsTotal records the current population size.
func (p *Provider) SetPatientsTotal(n int) {
	if p == nil {
		return
	}
	p.patients.Set(float64(n))
}

// RecordEvent counts one published change event.
func (p *Provider) RecordEvent(eventType string) {
	if p == nil {
		return
	}
	p.events.WithLabelValues(eventType).Inc()
}
