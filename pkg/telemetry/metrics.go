package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Metrics provides Prometheus metrics for transfers.
type Metrics struct {
	config MetricsConfig

	// Transfer metrics
	transfersStarted   *prometheus.CounterVec
	transfersCompleted *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec

	// Resource metrics
	resourcesTransferred *prometheus.CounterVec
	conflicts            *prometheus.CounterVec
	consistencyWarnings  *prometheus.CounterVec

	// Asset metrics
	assetCopies *prometheus.CounterVec

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeTransfers prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transfersStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_started_total",
				Help:      "Total number of transfers started",
			},
			[]string{"direction"},
		),
		transfersCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_completed_total",
				Help:      "Total number of transfers completed",
			},
			[]string{"direction", "status"},
		),
		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of transfers in seconds",
				Buckets:   buckets,
			},
			[]string{"direction", "status"},
		),

		resourcesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_transferred_total",
				Help:      "Total number of resources exported or saved",
			},
			[]string{"direction", "type"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Total number of import drafts colliding with existing records",
			},
			[]string{"type", "policy", "action"},
		),
		consistencyWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consistency_warnings_total",
				Help:      "Total number of existing records inconsistent with their draft",
			},
			[]string{"type"},
		),

		assetCopies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_copies_total",
				Help:      "Total number of asset files copied or skipped",
			},
			[]string{"bucket", "status"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of traced operations outside transfers",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of traced operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transfers",
				Help:      "Current number of running transfers",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.transfersStarted,
		m.transfersCompleted,
		m.transferDuration,
		m.resourcesTransferred,
		m.conflicts,
		m.consistencyWarnings,
		m.assetCopies,
		m.operations,
		m.operationDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeTransfers,
	)

	return m, nil
}

// Transfer Metrics

// RecordTransferStarted increments the counter for started transfers.
func (m *Metrics) RecordTransferStarted(direction engine.Direction) {
	if m.transfersStarted == nil {
		return
	}
	m.transfersStarted.WithLabelValues(string(direction)).Inc()
	m.activeTransfers.Inc()
}

// RecordTransferCompleted records a finished transfer with its status and duration.
func (m *Metrics) RecordTransferCompleted(direction engine.Direction, status string, duration time.Duration) {
	if m.transfersCompleted == nil {
		return
	}
	m.transfersCompleted.WithLabelValues(string(direction), status).Inc()
	m.transferDuration.WithLabelValues(string(direction), status).Observe(duration.Seconds())
	m.activeTransfers.Dec()
}

// Resource Metrics

// RecordResource records one exported or saved resource.
func (m *Metrics) RecordResource(direction engine.Direction, recordType string) {
	if m.resourcesTransferred == nil {
		return
	}
	m.resourcesTransferred.WithLabelValues(string(direction), recordType).Inc()
}

// RecordConflict records a resolved conflict.
func (m *Metrics) RecordConflict(outcome engine.ConflictOutcome) {
	if m.conflicts == nil {
		return
	}
	m.conflicts.WithLabelValues(outcome.Type, string(outcome.Policy), string(outcome.Action)).Inc()
}

// RecordConsistencyWarning records an inconsistent existing record.
func (m *Metrics) RecordConsistencyWarning(recordType string) {
	if m.consistencyWarnings == nil {
		return
	}
	m.consistencyWarnings.WithLabelValues(recordType).Inc()
}

// Asset Metrics

// RecordAssetCopy records a copied or skipped asset file.
func (m *Metrics) RecordAssetCopy(bucket, status string) {
	if m.assetCopies == nil {
		return
	}
	m.assetCopies.WithLabelValues(bucket, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation counts a finished operation and its duration.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns nil
// without serving when no listen address is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) (*http.Server, error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server, nil
}
