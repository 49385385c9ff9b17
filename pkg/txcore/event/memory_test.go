package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_EnsureSubscription(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{})
	ctx := context.Background()

	require.NoError(t, b.EnsureSubscription(ctx, "core-api.v1.events", "s1"))
	assert.ErrorIs(t, b.EnsureSubscription(ctx, "core-api.v1.events", "s1"), ErrSubscriptionExists)

	err := b.EnsureSubscription(ctx, "core-api.v2.events", "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubscriptionExists)
}

func TestMemoryBroker_FanOut(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := Topic("core-api", "1")
	require.NoError(t, b.EnsureSubscription(ctx, topic, "a"))
	require.NoError(t, b.EnsureSubscription(ctx, topic, "b"))
	require.NoError(t, b.EnsureSubscription(ctx, Topic("other", "1"), "c"))

	got := make(chan string, 8)
	for _, id := range []string{"a", "b", "c"} {
		go func() {
			_ = b.Receive(ctx, id, func(_ context.Context, m Message) {
				got <- id + ":" + string(m.Data())
				m.Ack()
			})
		}()
	}

	_, err := b.Publish(ctx, topic, []byte("hello"), nil)
	require.NoError(t, err)

	var seen []string
	for range 2 {
		select {
		case s := <-got:
			seen = append(seen, s)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	assert.ElementsMatch(t, []string{"a:hello", "b:hello"}, seen)
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery %s", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBroker_RedeliversThenDeadLetters(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{MaxDeliveries: 3, DeadLetterTopic: "core-api.dlq"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := Topic("core-api", "1")
	require.NoError(t, b.EnsureSubscription(ctx, topic, "s1"))
	require.NoError(t, b.EnsureSubscription(ctx, "core-api.dlq", "dlq"))

	var mu sync.Mutex
	var attempts []int
	go func() {
		_ = b.Receive(ctx, "s1", func(_ context.Context, m Message) {
			mu.Lock()
			attempts = append(attempts, m.DeliveryAttempt())
			mu.Unlock()
			m.Nack()
		})
	}()

	dead := make(chan Message, 1)
	go func() {
		_ = b.Receive(ctx, "dlq", func(_ context.Context, m Message) {
			m.Ack()
			dead <- m
		})
	}()

	_, err := b.Publish(ctx, topic, []byte(`{"type":"x"}`), map[string]string{AttrEventType: "x"})
	require.NoError(t, err)

	select {
	case m := <-dead:
		assert.Equal(t, `{"type":"x"}`, string(m.Data()))
		assert.Equal(t, "s1", m.Attributes()[AttrDeadLetterSource])
		assert.Equal(t, "3", m.Attributes()[AttrDeliveryAttempt])
		assert.Equal(t, "x", m.Attributes()[AttrEventType])
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dead-lettered")
	}
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()
}

func TestMemoryBroker_SettleOnce(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{MaxDeliveries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.EnsureSubscription(ctx, "t", "s"))

	var deliveries atomic.Int32
	go func() {
		_ = b.Receive(ctx, "s", func(_ context.Context, m Message) {
			deliveries.Add(1)
			m.Ack()
			m.Nack() // ignored after ack
		})
	}()
	_, err := b.Publish(ctx, "t", []byte("x"), nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load())
}

func TestMemoryBroker_ConsumerEndToEnd(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{MaxDeliveries: 2, DeadLetterTopic: "dead"})
	p := NewProducer(b)
	c := NewConsumer(b)

	handled := make(chan Envelope, 1)
	require.NoError(t, c.RegisterHandler("booking_created", "1", HandlerFunc(func(_ context.Context, env Envelope) error {
		handled <- env
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	require.NoError(t, b.EnsureSubscription(ctx, Topic("core-api", "1"), "core-sub"))
	go func() { done <- c.Subscribe(ctx, "core-api", "1", "core-sub") }()

	_, err := p.Publish(ctx, "core-api", "1", "booking_created", "t1", map[string]string{"booking_id": "b1"}, "corr-9")
	require.NoError(t, err)

	select {
	case env := <-handled:
		assert.Equal(t, "corr-9", env.CorrelationID, "correlation id survives end to end")
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return on cancel")
	}
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerConfig{})
	require.NoError(t, b.EnsureSubscription(context.Background(), "t", "s"))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), "t", nil, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, b.Receive(context.Background(), "s", func(context.Context, Message) {}), ErrClosed)
	assert.Error(t, b.Receive(context.Background(), "missing", func(context.Context, Message) {}))
}
