package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Span attribute keys.
var (
	AttrTransferID = attribute.Key("transfer.id")
	AttrDirection  = attribute.Key("transfer.direction")

	AttrResourceKey  = attribute.Key("resource.key")
	AttrResourceType = attribute.Key("resource.type")

	AttrConflictPolicy     = attribute.Key("conflict.policy")
	AttrConflictAction     = attribute.Key("conflict.action")
	AttrConflictConsistent = attribute.Key("conflict.consistent")

	AttrErrorClass   = attribute.Key("error.class")
	AttrErrorCode    = attribute.Key("error.code")
	AttrErrorMessage = attribute.Key("error.message")

	AttrRemoteHost = attribute.Key("remote.host")
	AttrRemotePath = attribute.Key("remote.path")
)

// Tracer starts transfer and operation spans. A disabled tracer hands out
// spans from a provider without exporters.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the span pipeline for cfg. An enabled tracer also becomes
// the global provider so libraries emitting spans join the transfer trace.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("xfer")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)

	case "stdout":
		// stderr keeps spans out of command output
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())

	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartSpan starts a span named operation.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTransferSpan starts the root span of an export or import.
func (t *Tracer) StartTransferSpan(ctx context.Context, transferID string, direction engine.Direction) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "transfer."+string(direction),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTransferID.String(transferID),
			AttrDirection.String(string(direction)),
		),
	)
}

// Shutdown flushes pending spans and stops the exporters.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddConflictEvent records a resolved conflict on the transfer span.
func AddConflictEvent(span trace.Span, outcome engine.ConflictOutcome) {
	span.AddEvent("conflict.resolved", trace.WithAttributes(
		AttrResourceKey.String(string(outcome.Key)),
		AttrResourceType.String(outcome.Type),
		AttrConflictPolicy.String(string(outcome.Policy)),
		AttrConflictAction.String(string(outcome.Action)),
		AttrConflictConsistent.Bool(outcome.Consistent),
	))
}

// AddWarningEvent records a non-fatal error on the transfer span.
func AddWarningEvent(span trace.Span, err error) {
	attrs := []attribute.KeyValue{AttrErrorMessage.String(err.Error())}
	if class, code := errorLabels(err); class != "unknown" {
		attrs = append(attrs, AttrErrorClass.String(class), AttrErrorCode.String(code))
	}
	span.AddEvent("transfer.warning", trace.WithAttributes(attrs...))
}
