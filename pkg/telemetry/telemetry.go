package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *http.Server
}

type contextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		_ = logger.Close()
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext returns a context carrying t and its zerolog logger.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromContext returns the telemetry carried by ctx, or nil.
func FromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(contextKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves metrics when a listen address is configured.
func (t *Telemetry) StartMetricsServer() error {
	server, err := t.Metrics.StartMetricsServer(t.Logger.Component("metrics").Zerolog())
	if err != nil {
		return err
	}
	t.server = server
	return nil
}

// Observer returns an engine observer reporting through t.
func (t *Telemetry) Observer() *TransferObserver {
	return NewTransferObserver(t)
}

// Shutdown drains events, stops the metrics server, flushes spans and closes
// the log file. Every component is shut down even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("events: %w", err))
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracer: %w", err))
	}
	if err := t.Logger.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("logger: %w", err))
	}

	return result.ErrorOrNil()
}
