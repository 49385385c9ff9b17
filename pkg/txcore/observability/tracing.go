package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("txcore")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a producer span for one publish.
	StartPublishSpan(ctx context.Context, topic, eventType, correlationID string) (context.Context, trace.Span)

	// StartDeliverySpan starts a consumer span for one dispatched message.
	StartDeliverySpan(ctx context.Context, subscription, eventType, version string) (context.Context, trace.Span)

	// StartSagaSpan starts a span for a saga submission or local run.
	StartSagaSpan(ctx context.Context, sagaID string, steps int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, recording err when non-nil.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager using the global tracer provider.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartPublishSpan(ctx context.Context, topic, eventType, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "txcore.publish "+topic,
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String(KeyEventType, eventType),
			attribute.String(KeyCorrelationID, correlationID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (otelSpanManager) StartDeliverySpan(ctx context.Context, subscription, eventType, version string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "txcore.deliver "+eventType,
		trace.WithAttributes(
			attribute.String(KeySubscription, subscription),
			attribute.String(KeyEventType, eventType),
			attribute.String(KeyEventVersion, version),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (otelSpanManager) StartSagaSpan(ctx context.Context, sagaID string, steps int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "txcore.saga",
		trace.WithAttributes(
			attribute.String(KeySagaID, sagaID),
			attribute.Int("saga.steps", steps),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
