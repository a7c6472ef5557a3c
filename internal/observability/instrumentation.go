package observability

import (
	"context"
	"encoding/json"
	"time"

	"samgpt/internal/dispatch"

	"go.opentelemetry.io/otel/codes"
)

// InstrumentedTransport wraps a transport with tracing, logging and metrics.
// Each Do call produces one span and one transport call metric, so retried
// attempts are visible individually.
type InstrumentedTransport struct {
	inner dispatch.Transport
	obs   *Observability
}

// NewInstrumentedTransport decorates a transport. A nil observability bundle
// returns the transport unchanged.
func NewInstrumentedTransport(transport dispatch.Transport, obs *Observability) dispatch.Transport {
	if obs == nil {
		return transport
	}
	return &InstrumentedTransport{
		inner: transport,
		obs:   obs,
	}
}

func (t *InstrumentedTransport) Do(ctx context.Context, call dispatch.Call) (json.RawMessage, error) {
	ctx = ContextWithRequestID(ctx, call.RequestID)

	// Start span
	attrs := append(OperationAttrs(call.Operation), CircuitAttrs(call.CircuitID)...)
	attrs = append(attrs, RetryAttrs(call.Attempt)...)
	ctx, span := t.obs.Tracer.StartSpan(ctx, SpanTransportCall, attrs...)
	defer span.End()

	// Measure duration
	start := time.Now()
	value, err := t.inner.Do(ctx, call)
	duration := time.Since(start)

	// Handle error
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		t.obs.Logger.WarnContext(ctx, "Transport call failed",
			"operation", call.Operation,
			"circuit", call.CircuitID,
			"attempt", call.Attempt,
			"duration", duration,
			"error", err,
		)
		t.obs.Metrics.RecordTransportCall(ctx, call.Operation, "error", call.CircuitID, duration)
		return nil, err
	}

	// Record metrics
	t.obs.Metrics.RecordTransportCall(ctx, call.Operation, "ok", call.CircuitID, duration)

	t.obs.Logger.DebugContext(ctx, "Transport call completed",
		"operation", call.Operation,
		"circuit", call.CircuitID,
		"attempt", call.Attempt,
		"duration", duration,
		"bytes", len(value),
	)

	return value, nil
}
