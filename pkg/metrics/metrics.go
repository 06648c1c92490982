// Package metrics provides Prometheus metrics collection for the
// supervisor and its managed services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application. Every
// series is labelled with the managed service it belongs to, so one
// collector serves the whole process.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// HTTP surface
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight *prometheus.GaugeVec
	ErrorCount      *prometheus.CounterVec

	// Lifecycle
	ServiceUptime      *prometheus.GaugeVec
	ServiceLastStarted *prometheus.GaugeVec
	StateTransitions   *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec

	// Dependencies
	DependencyUp      *prometheus.GaugeVec
	DependencyLatency *prometheus.HistogramVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "servitor",
		Subsystem: "",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Seconds since the service last entered RUNNING",
			},
			[]string{"service"},
		),

		ServiceLastStarted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_last_started_timestamp",
				Help:      "Unix timestamp of the service's last successful start",
			},
			[]string{"service"},
		),

		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_transitions_total",
				Help:      "Total number of lifecycle state transitions",
			},
			[]string{"service", "from", "to"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Duration of lifecycle start and stop operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency check latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency"},
		),
	}
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// IncRequestsInFlight marks a request as started.
func (m *Metrics) IncRequestsInFlight(service string) {
	m.RequestInFlight.WithLabelValues(service).Inc()
}

// DecRequestsInFlight marks a request as finished.
func (m *Metrics) DecRequestsInFlight(service string) {
	m.RequestInFlight.WithLabelValues(service).Dec()
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordTransition counts one lifecycle state change.
func (m *Metrics) RecordTransition(service, from, to string) {
	m.StateTransitions.WithLabelValues(service, from, to).Inc()
}

// RecordServiceStarted stores the unix timestamp of a successful start.
func (m *Metrics) RecordServiceStarted(service string, ts time.Time) {
	m.ServiceLastStarted.WithLabelValues(service).Set(float64(ts.Unix()))
}

// SetServiceUptime publishes the current uptime of a managed service. The
// monitor sweep calls this; a stopped service reports zero.
func (m *Metrics) SetServiceUptime(service string, seconds float64) {
	m.ServiceUptime.WithLabelValues(service).Set(seconds)
}

// ObserveOperationDuration records how long a start or stop took.
func (m *Metrics) ObserveOperationDuration(service, operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(service, operation).Observe(seconds)
}

// SetDependencyUp records whether a dependency is reachable.
func (m *Metrics) SetDependencyUp(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// ObserveDependencyLatency records how long a dependency check took.
func (m *Metrics) ObserveDependencyLatency(service, dependency string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency).Observe(duration.Seconds())
}
