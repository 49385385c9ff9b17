package benchmarks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
)

var envelope = event.Envelope{
	Type:          "booking_created",
	Version:       "1",
	OccurredAt:    time.Date(2025, 8, 7, 14, 30, 0, 0, time.UTC),
	TenantID:      "default",
	CorrelationID: "corr-1",
	Payload:       json.RawMessage(`{"booking_id":"bk-1","customer_id":"c-1"}`),
}

// BenchmarkEnvelope_Decode decodes and validates one envelope.
func BenchmarkEnvelope_Decode(b *testing.B) {
	data, err := json.Marshal(envelope)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = event.Decode(data)
	}
}

// BenchmarkConsumer_Dispatch runs one envelope through the handler table.
func BenchmarkConsumer_Dispatch(b *testing.B) {
	c := event.NewConsumer(nil)
	if err := c.RegisterHandler("booking_created", "1", event.HandlerFunc(
		func(context.Context, event.Envelope) error { return nil })); err != nil {
		b.Fatal(err)
	}
	data, _ := json.Marshal(envelope)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Dispatch(ctx, data)
	}
}

// BenchmarkProducer_Publish publishes to an in-memory broker with no
// subscriptions.
func BenchmarkProducer_Publish(b *testing.B) {
	broker := event.NewMemoryBroker(event.MemoryBrokerConfig{})
	defer broker.Close()
	p := event.NewProducer(broker)
	ctx := context.Background()
	payload := map[string]string{"booking_id": "bk-1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Publish(ctx, "core-api", "1", "booking_created", "default", payload, "corr-1")
	}
}
