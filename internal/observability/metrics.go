package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatekeep"

// MetricsCollector holds all Prometheus metrics for gatekeep.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Credential lifecycle metrics.
	CredentialClearsTotal *prometheus.CounterVec

	// Authentication metrics.
	AuthenticationsTotal   *prometheus.CounterVec
	AuthenticationDuration *prometheus.HistogramVec

	// Authorization metrics.
	AccessChecksTotal *prometheus.CounterVec

	// Identity store metrics.
	StoreValidationsTotal   *prometheus.CounterVec
	StoreValidationDuration *prometheus.HistogramVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CredentialClearsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "clears_total",
			Help:      "Total credential clear attempts.",
		}, []string{"kind", "result"}),

		AuthenticationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "authentications_total",
			Help:      "Total authentication calls.",
		}, []string{"mechanism", "status"}),

		AuthenticationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "authentication_duration_seconds",
			Help:      "Authentication call duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"mechanism"}),

		AccessChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "access_checks_total",
			Help:      "Total web resource access decisions.",
		}, []string{"pattern", "result"}),

		StoreValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity_store",
			Name:      "validations_total",
			Help:      "Total identity store validations.",
		}, []string{"store", "status"}),

		StoreValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity_store",
			Name:      "validation_duration_seconds",
			Help:      "Identity store validation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"store"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.CredentialClearsTotal,
		m.AuthenticationsTotal,
		m.AuthenticationDuration,
		m.AccessChecksTotal,
		m.StoreValidationsTotal,
		m.StoreValidationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
