package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation is a traced and timed unit of work outside a transfer, such as
// publishing a package to a remote host.
type Operation struct {
	// Ctx carries the operation span.
	Ctx    context.Context
	Logger zerolog.Logger

	name  string
	tel   *Telemetry
	span  trace.Span
	start time.Time
}

// StartOperation opens a span named name when ctx carries telemetry. Without
// telemetry the operation is only timed and logged through zerolog.Ctx.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, name: name, start: time.Now()}

	op.tel = FromContext(ctx)
	if op.tel == nil {
		op.Logger = zerolog.Ctx(ctx).With().Str("operation", name).Logger()
		return op
	}

	op.Ctx, op.span = op.tel.Tracer.StartSpan(ctx, name, attrs...)
	logCtx := op.tel.Logger.With().Str("operation", name)
	if sc := op.span.SpanContext(); sc.IsValid() {
		logCtx = logCtx.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	op.Logger = logCtx.Logger()
	return op
}

// End closes the span, records the outcome and returns the elapsed time.
func (op *Operation) End(err error) time.Duration {
	elapsed := time.Since(op.start)

	status := "completed"
	if err != nil {
		status = "failed"
	}

	if op.tel != nil {
		op.tel.Metrics.RecordOperation(op.name, status, elapsed)
	}
	if op.span != nil {
		if err != nil {
			RecordError(op.span, err)
		} else {
			RecordSuccess(op.span)
		}
		op.span.End()
	}

	op.Logger.Debug().Err(err).Str("status", status).Dur("duration", elapsed).Msg("Operation finished")
	return elapsed
}
