package observability

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Idempotency outcomes.
const (
	IdempotencyHit         = "hit"
	IdempotencyMiss        = "miss"
	IdempotencyStored      = "stored"
	IdempotencyStoreFailed = "store_failed"
	IdempotencyConflict    = "conflict"
)

// Delivery outcomes.
const (
	DeliveryAck  = "ack"
	DeliveryNack = "nack"
)

// MetricsRecorder records txcore metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	RecordIdempotency(ctx context.Context, outcome string)
	RecordBreakerTransition(ctx context.Context, dependency, from, to string)
	RecordBreakerRejection(ctx context.Context, dependency string)
	RecordPublish(ctx context.Context, topic string, err error)
	RecordDelivery(ctx context.Context, eventType, version, outcome string)
	RecordSagaSubmission(ctx context.Context, err error)
	RecordTaskScheduled(ctx context.Context, queue string, err error)
}

type otelMetrics struct {
	idempotency        metric.Int64Counter
	breakerTransitions metric.Int64Counter
	breakerRejections  metric.Int64Counter
	publishes          metric.Int64Counter
	deliveries         metric.Int64Counter
	sagaSubmissions    metric.Int64Counter
	tasksScheduled     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("txcore")
	m := &otelMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.idempotency, "txcore.idempotency.requests", "Idempotency guard outcomes"},
		{&m.breakerTransitions, "txcore.breaker.transitions", "Circuit breaker state transitions"},
		{&m.breakerRejections, "txcore.breaker.rejections", "Calls short-circuited by an open breaker"},
		{&m.publishes, "txcore.events.published", "Event publish attempts"},
		{&m.deliveries, "txcore.events.delivered", "Consumed event dispatch outcomes"},
		{&m.sagaSubmissions, "txcore.saga.submissions", "Saga submissions to the executor"},
		{&m.tasksScheduled, "txcore.tasks.scheduled", "Retry task submissions"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. If initialization fails it returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String(KeyError, err.Error()))
		return NoopMetrics{}
	}
	return m
}

func successAttr(err error) attribute.KeyValue {
	return attribute.Bool("success", err == nil)
}

func (m *otelMetrics) RecordIdempotency(ctx context.Context, outcome string) {
	m.idempotency.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyDependency, dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordBreakerRejection(ctx context.Context, dependency string) {
	m.breakerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyDependency, dependency)))
}

func (m *otelMetrics) RecordPublish(ctx context.Context, topic string, err error) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyTopic, topic), successAttr(err)))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType, version, outcome string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyEventType, eventType),
		attribute.String(KeyEventVersion, version),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordSagaSubmission(ctx context.Context, err error) {
	m.sagaSubmissions.Add(ctx, 1, metric.WithAttributes(successAttr(err)))
}

func (m *otelMetrics) RecordTaskScheduled(ctx context.Context, queue string, err error) {
	m.tasksScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue), successAttr(err)))
}
