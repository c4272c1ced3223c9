// Package telemetry exposes Prometheus metrics for the HTTP server and the
// visit workflow.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/visitflow/internal/domain/visit"
)

// TelemetryConfig holds the telemetry provider configuration.
type TelemetryConfig struct {
	ServiceName    string
	Environment    string
	MetricsEnabled bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "visitflow-server"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// TelemetryProvider owns a private Prometheus registry. It implements
// visit.Recorder.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requests       *prometheus.HistogramVec
	activeRequests prometheus.Gauge
	sagaRuns       *prometheus.CounterVec
	stepFailures   *prometheus.CounterVec
	worklistSize   *prometheus.GaugeVec
}

var _ visit.Recorder = (*TelemetryProvider)(nil)

// NewTelemetryProvider creates the provider and registers its collectors.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "Duration of HTTP server requests.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		}),
		sagaRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "visitflow_saga_runs_total",
			Help:        "Visit advancement runs by operation and outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "status"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "visitflow_saga_step_failures_total",
			Help:        "Failed saga steps by operation and step.",
			ConstLabels: constLabels,
		}, []string{"operation", "step"}),
		worklistSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "visitflow_worklist_entries",
			Help:        "Entries on each worklist at the last read.",
			ConstLabels: constLabels,
		}, []string{"worklist"}),
	}

	tp.registry.MustRegister(
		tp.requests, tp.activeRequests,
		tp.sagaRuns, tp.stepFailures, tp.worklistSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return tp
}

// Registry exposes the registry for tests and extra collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry { return tp.registry }

func (tp *TelemetryProvider) RunFinished(operation string, status visit.RunStatus) {
	tp.sagaRuns.WithLabelValues(operation, string(status)).Inc()
}

func (tp *TelemetryProvider) StepFailed(operation, step string) {
	tp.stepFailures.WithLabelValues(operation, step).Inc()
}

func (tp *TelemetryProvider) WorklistSize(worklist string, n int) {
	tp.worklistSize.WithLabelValues(worklist).Set(float64(n))
}

// MetricsMiddleware records HTTP server metrics per route.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.MetricsEnabled {
				return next(c)
			}
			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			tp.requests.WithLabelValues(c.Request().Method, route, fmt.Sprintf("%d", status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	h := promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		if !tp.cfg.MetricsEnabled {
			return echo.NewHTTPError(http.StatusNotFound, "metrics disabled")
		}
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
