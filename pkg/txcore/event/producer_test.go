package event

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", p.err
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestProducer_GeneratesCorrelationID(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{})
	p := NewProducer(broker, WithClock(fixedNow))

	id, err := p.Publish(context.Background(), "core-api", "1", "booking_created", "t1",
		map[string]any{"booking_id": "b1"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := broker.Published("core-api.v1.events")
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	env, err := Decode(msgs[0].Data)
	require.NoError(t, err)
	assert.Regexp(t, uuidPattern, env.CorrelationID)
	assert.Equal(t, "booking_created", env.Type)
	assert.Equal(t, "1", env.Version)
	assert.Equal(t, fixedNow(), env.OccurredAt)
	assert.JSONEq(t, `{"booking_id":"b1"}`, string(env.Payload))

	assert.Equal(t, map[string]string{
		AttrEventType:     "booking_created",
		AttrEventVersion:  "1",
		AttrCorrelationID: env.CorrelationID,
	}, msgs[0].Attributes)
}

func TestProducer_PreservesCorrelationID(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{})
	p := NewProducer(broker)

	_, err := p.Publish(context.Background(), "core-api", "2", "customer_updated", "t1", nil, "caller-id")
	require.NoError(t, err)

	msgs := broker.Published("core-api.v2.events")
	require.Len(t, msgs, 1)
	env, err := Decode(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "caller-id", env.CorrelationID)
	assert.JSONEq(t, `{}`, string(env.Payload))
}

func TestProducer_PublishFailure(t *testing.T) {
	p := NewProducer(failingPublisher{err: errors.New("broker unreachable")})
	_, err := p.Publish(context.Background(), "core-api", "1", "booking_created", "t1", map[string]any{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrPublishFailure)
	assert.Contains(t, err.Error(), "broker unreachable")
	assert.True(t, txerrors.IsRetryable(err))
}

func TestProducer_MarshalFailure(t *testing.T) {
	p := NewProducer(NewMemoryBroker(MemoryBrokerConfig{}))
	_, err := p.Publish(context.Background(), "core-api", "1", "x", "t1", map[string]any{"ch": make(chan int)}, "")
	assert.ErrorIs(t, err, txerrors.ErrPublishFailure)
}

func TestProducer_RejectsNonObjectPayload(t *testing.T) {
	p := NewProducer(NewMemoryBroker(MemoryBrokerConfig{}))
	_, err := p.Publish(context.Background(), "core-api", "1", "x", "t1", []int{1, 2}, "")
	assert.ErrorIs(t, err, txerrors.ErrPublishFailure)
}

func TestProducer_PublishSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	p := NewProducer(NewMemoryBroker(MemoryBrokerConfig{}), WithSpans(observability.NewSpanManager()))
	_, err := p.Publish(context.Background(), "core-api", "1", "booking_created", "t1", nil, "c1")
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "txcore.publish core-api.v1.events", spans[0].Name)
}

func TestProducer_PublishEnvelopeKeepsOccurredAt(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{})
	p := NewProducer(broker, WithIDGenerator(func() string { return "gen-1" }))
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := p.PublishEnvelope(context.Background(), "core-api", Envelope{
		Type: "x", Version: "1", OccurredAt: at, Payload: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	env, err := Decode(broker.Published("core-api.v1.events")[0].Data)
	require.NoError(t, err)
	assert.Equal(t, at, env.OccurredAt)
	assert.Equal(t, "gen-1", env.CorrelationID)
}
