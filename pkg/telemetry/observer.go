package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/xfer/pkg/engine"
)

// TransferObserver implements engine.Observer. Every notification is turned
// into metrics, span events and published events.
type TransferObserver struct {
	tel    *Telemetry
	logger *Logger

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ engine.Observer = (*TransferObserver)(nil)

// NewTransferObserver creates an observer reporting through tel.
func NewTransferObserver(tel *Telemetry) *TransferObserver {
	return &TransferObserver{
		tel:    tel,
		logger: tel.Logger.Component("telemetry"),
		spans:  make(map[string]trace.Span),
	}
}

// TransferStarted opens the transfer span and returns a context carrying it.
func (o *TransferObserver) TransferStarted(ctx context.Context, transferID string, direction engine.Direction) context.Context {
	o.tel.Metrics.RecordTransferStarted(direction)

	ctx, span := o.tel.Tracer.StartTransferSpan(ctx, transferID, direction)
	o.mu.Lock()
	o.spans[transferID] = span
	o.mu.Unlock()

	o.logger.ForTransfer(transferID, direction).Debug().Msg("Transfer started")
	o.publish(o.tel.Events.PublishTransferStarted(transferID, direction))
	return ctx
}

// ResourceTransferred counts one exported or saved resource.
func (o *TransferObserver) ResourceTransferred(_ context.Context, transferID string, direction engine.Direction, recordType string) {
	o.tel.Metrics.RecordResource(direction, recordType)
	o.publish(o.tel.Events.PublishResourceTransferred(transferID, direction, recordType))
}

// ConflictResolved records a conflict outcome.
func (o *TransferObserver) ConflictResolved(_ context.Context, transferID string, outcome engine.ConflictOutcome) {
	o.tel.Metrics.RecordConflict(outcome)
	if span := o.span(transferID, false); span != nil {
		AddConflictEvent(span, outcome)
	}
	o.publish(o.tel.Events.PublishConflictResolved(transferID, outcome))
}

// Warning records a non-fatal error.
func (o *TransferObserver) Warning(_ context.Context, transferID string, err error) {
	class, code := errorLabels(err)
	o.tel.Metrics.RecordError(class, code)
	if engine.IsConsistency(err) {
		o.tel.Metrics.RecordConsistencyWarning(detailString(err, "type"))
	}
	if span := o.span(transferID, false); span != nil {
		AddWarningEvent(span, err)
	}
	o.publish(o.tel.Events.PublishWarning(transferID, err))
}

// TransferFinished closes the transfer span and records the outcome.
func (o *TransferObserver) TransferFinished(_ context.Context, transferID string, direction engine.Direction, err error, duration time.Duration) {
	status := "completed"
	if err != nil {
		status = "failed"
		class, code := errorLabels(err)
		o.tel.Metrics.RecordError(class, code)
	}
	o.tel.Metrics.RecordTransferCompleted(direction, status, duration)

	if span := o.span(transferID, true); span != nil {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	o.logger.ForTransfer(transferID, direction).Debug().Err(err).Dur("duration", duration).Msg("Transfer finished")

	if err != nil {
		o.publish(o.tel.Events.PublishTransferFailed(transferID, direction, err))
	} else {
		o.publish(o.tel.Events.PublishTransferCompleted(transferID, direction, duration))
	}
}

func (o *TransferObserver) span(transferID string, remove bool) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()

	span := o.spans[transferID]
	if remove {
		delete(o.spans, transferID)
	}
	return span
}

func (o *TransferObserver) publish(err error) {
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}

// errorLabels returns the class and code of an engine error, or "unknown".
func errorLabels(err error) (string, string) {
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		return string(engineErr.Class), engineErr.Code
	}
	return "unknown", ""
}

func detailString(err error, key string) string {
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		if v, ok := engineErr.Details[key].(string); ok {
			return v
		}
	}
	return "unknown"
}
