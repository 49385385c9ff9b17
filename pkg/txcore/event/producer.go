package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// Producer builds envelopes and publishes them to versioned topics.
type Producer struct {
	pub     Publisher
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithClock sets the time source for occurred_at.
func WithClock(now func() time.Time) ProducerOption {
	return func(p *Producer) { p.now = now }
}

// WithIDGenerator sets the correlation id generator.
func WithIDGenerator(fn func() string) ProducerOption {
	return func(p *Producer) { p.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) { p.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) ProducerOption {
	return func(p *Producer) { p.spans = s }
}

// NewProducer creates a Producer publishing through pub.
func NewProducer(pub Publisher, opts ...ProducerOption) *Producer {
	p := &Producer{
		pub:     pub,
		now:     time.Now,
		newID:   uuid.NewString,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.OrDefault(p.logger)
	return p
}

// Publish builds an envelope and publishes it to Topic(domain, version).
// A correlation id is generated only when correlationID is empty. Marshal
// and broker failures are KindPublishFailure errors; the caller decides
// whether they abort the triggering operation.
func (p *Producer) Publish(
	ctx context.Context,
	domain, version, eventType, tenantID string,
	payload any,
	correlationID string,
) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		p.metrics.RecordPublish(ctx, Topic(domain, version), err)
		return "", &txerrors.Error{Kind: txerrors.KindPublishFailure, Op: "event.Publish", Message: "marshal payload", Err: err}
	}
	return p.PublishEnvelope(ctx, domain, Envelope{
		Type:          eventType,
		Version:       version,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Payload:       raw,
	})
}

// PublishEnvelope publishes a prebuilt envelope. A zero OccurredAt is set
// to now and an empty correlation id is generated.
func (p *Producer) PublishEnvelope(ctx context.Context, domain string, env Envelope) (string, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = p.newID()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = p.now()
	}
	topic := Topic(domain, env.Version)

	ctx, span := p.spans.StartPublishSpan(ctx, topic, env.Type, env.CorrelationID)
	id, err := p.publish(ctx, topic, env)
	p.spans.EndSpanWithError(span, err)
	p.metrics.RecordPublish(ctx, topic, err)

	if err != nil {
		return "", err
	}
	p.logger.Debug("event published",
		slog.String(observability.KeyTopic, topic),
		slog.String(observability.KeyEventType, env.Type),
		slog.String(observability.KeyCorrelationID, env.CorrelationID),
		slog.String("message_id", id),
	)
	return id, nil
}

func (p *Producer) publish(ctx context.Context, topic string, env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", &txerrors.Error{Kind: txerrors.KindPublishFailure, Op: "event.Publish", Err: err}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", &txerrors.Error{Kind: txerrors.KindPublishFailure, Op: "event.Publish", Message: "marshal envelope", Err: err}
	}
	attrs := map[string]string{
		AttrEventType:     env.Type,
		AttrEventVersion:  env.Version,
		AttrCorrelationID: env.CorrelationID,
	}
	id, err := p.pub.Publish(ctx, topic, data, attrs)
	if err != nil {
		return "", &txerrors.Error{Kind: txerrors.KindPublishFailure, Op: "event.Publish", Message: "publish to " + topic, Err: err}
	}
	return id, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	return json.Marshal(payload)
}
