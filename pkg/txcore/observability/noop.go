package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordIdempotency(context.Context, string)                       {}
func (NoopMetrics) RecordBreakerTransition(context.Context, string, string, string) {}
func (NoopMetrics) RecordBreakerRejection(context.Context, string)                  {}
func (NoopMetrics) RecordPublish(context.Context, string, error)                    {}
func (NoopMetrics) RecordDelivery(context.Context, string, string, string)          {}
func (NoopMetrics) RecordSagaSubmission(context.Context, error)                     {}
func (NoopMetrics) RecordTaskScheduled(context.Context, string, error)              {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartSagaSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}
