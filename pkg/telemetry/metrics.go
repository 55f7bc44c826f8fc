package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for stackpilot.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	activeDeployments  prometheus.Gauge

	recoveryAttempts *prometheus.CounterVec
	diagnoses        *prometheus.CounterVec
	driftDetections  *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	bucketRotations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of finished deployments by terminal state and reason",
			},
			[]string{"state", "reason"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall time of a deployment from submission to terminal state",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Deployments currently in progress",
			},
		),
		recoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Recovery strategies executed by outcome",
			},
			[]string{"strategy", "status"},
		),
		diagnoses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnoses_total",
				Help:      "Failure diagnoses by category",
			},
			[]string{"category"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Finished drift detections by stack drift status",
			},
			[]string{"status"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of cloud provider calls",
			},
			[]string{"operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of cloud provider calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Cloud provider errors by operation and error class",
			},
			[]string{"operation", "class"},
		),
		bucketRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bucket_rotations_total",
				Help:      "Artifact bucket rotations by environment",
			},
			[]string{"environment"},
		),
	}

	registry.MustRegister(
		m.deployments,
		m.deploymentDuration,
		m.activeDeployments,
		m.recoveryAttempts,
		m.diagnoses,
		m.driftDetections,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.bucketRotations,
	)

	return m, nil
}

// Deployment Metrics

// DeploymentStarted marks a deployment as active.
func (m *Metrics) DeploymentStarted() {
	if m == nil || m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Inc()
}

// DeploymentFinished records a terminal deployment.
func (m *Metrics) DeploymentFinished(state, reason string, duration time.Duration) {
	if m == nil || m.deployments == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.deployments.WithLabelValues(state, reason).Inc()
	m.deploymentDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// Recovery Metrics

// RecordRecovery records an executed recovery strategy.
func (m *Metrics) RecordRecovery(strategy, status string) {
	if m == nil || m.recoveryAttempts == nil {
		return
	}
	m.recoveryAttempts.WithLabelValues(strategy, status).Inc()
}

// RecordDiagnosis records a diagnosis category.
func (m *Metrics) RecordDiagnosis(category string) {
	if m == nil || m.diagnoses == nil {
		return
	}
	m.diagnoses.WithLabelValues(category).Inc()
}

// RecordDrift records the outcome of a drift detection.
func (m *Metrics) RecordDrift(status string) {
	if m == nil || m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(status).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error by class.
func (m *Metrics) RecordProviderError(operation, class string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(operation, class).Inc()
}

// Bucket Metrics

// RecordBucketRotation records a new artifact bucket.
func (m *Metrics) RecordBucketRotation(environment string) {
	if m == nil || m.bucketRotations == nil {
		return
	}
	m.bucketRotations.WithLabelValues(environment).Inc()
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on addr in the background. An empty
// addr falls back to the configured listen address; when both are empty
// no server is started and nil is returned.
func (m *Metrics) StartMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	if m == nil || m.registry == nil {
		return nil
	}
	if addr == "" {
		addr = m.config.ListenAddress
	}
	if addr == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()

	return server
}
