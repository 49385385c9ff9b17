// Package rabbitbus adapts RabbitMQ to the event Publisher and Subscriber
// gateways.
//
// Topics are routing keys on a durable topic exchange. Each subscription is
// a durable queue bound to its topic, with a dead-letter exchange for
// messages the broker itself rejects. Delivery attempts are tracked in a
// message header: a nack republishes the message with the attempt
// incremented, and the final nack moves it to the dead-letter topic.
package rabbitbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
)

const (
	// Exchange carries all event topics.
	Exchange = "txcore.events"

	// DeadLetterExchange receives messages the broker rejects.
	DeadLetterExchange = "txcore.events.dlx"

	// HeaderAttempt holds the delivery attempt, starting at 1.
	HeaderAttempt = "x-txcore-attempt"

	DefaultMaxDeliveries = 5
)

// PubMsg is one outgoing AMQP publish.
type PubMsg struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Body       []byte
	Headers    map[string]string
}

// Delivery is one message received from a queue.
type Delivery struct {
	MessageID string
	Body      []byte
	Headers   map[string]string

	Ack    func() error
	Reject func() error
}

// Channel is the narrow AMQP surface the Bus needs.
type Channel interface {
	Publish(ctx context.Context, m PubMsg) error

	// DeclareQueue declares a durable queue bound to routingKey on the
	// event exchange. It reports created=false when the queue existed.
	DeclareQueue(ctx context.Context, queue, routingKey string) (created bool, err error)

	Consume(ctx context.Context, queue string, fn func(Delivery)) error
}

// Config configures a Bus.
type Config struct {
	MaxDeliveries   int
	DeadLetterTopic string
}

// Bus implements event.Publisher and event.Subscriber over RabbitMQ.
type Bus struct {
	ch  Channel
	cfg Config

	mu     sync.RWMutex
	queues map[string]string // subscription -> routing key
}

var (
	_ event.Publisher  = (*Bus)(nil)
	_ event.Subscriber = (*Bus)(nil)
)

// New creates a Bus over ch.
func New(ch Channel, cfg Config) *Bus {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	return &Bus{ch: ch, cfg: cfg, queues: make(map[string]string)}
}

func (b *Bus) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.ch == nil {
		return errors.New("rabbitmq: no channel")
	}
	return nil
}

// Publish implements event.Publisher. The returned id is a fresh message id.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if err := b.ready(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err := b.ch.Publish(ctx, PubMsg{
		Exchange:   Exchange,
		RoutingKey: topic,
		MessageID:  id,
		Body:       data,
		Headers:    attrs,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("rabbitmq publish to %s: %w", topic, err)
	}
	return id, nil
}

// EnsureSubscription implements event.Subscriber.
func (b *Bus) EnsureSubscription(ctx context.Context, topic, subscriptionID string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	created, err := b.ch.DeclareQueue(ctx, subscriptionID, topic)
	if err != nil {
		return fmt.Errorf("rabbitmq declare queue %s: %w", subscriptionID, err)
	}
	b.mu.Lock()
	b.queues[subscriptionID] = topic
	b.mu.Unlock()
	if !created {
		return event.ErrSubscriptionExists
	}
	return nil
}

// Receive implements event.Subscriber.
func (b *Bus) Receive(ctx context.Context, subscriptionID string, fn func(context.Context, event.Message)) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	b.mu.RLock()
	_, ok := b.queues[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rabbitmq subscription %s not ensured", subscriptionID)
	}
	err := b.ch.Consume(ctx, subscriptionID, func(d Delivery) {
		fn(ctx, &message{bus: b, queue: subscriptionID, d: d, attempt: attemptOf(d.Headers)})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func attemptOf(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

type message struct {
	bus     *Bus
	queue   string
	d       Delivery
	attempt int
	once    sync.Once
}

func (m *message) ID() string                    { return m.d.MessageID }
func (m *message) Data() []byte                  { return m.d.Body }
func (m *message) Attributes() map[string]string { return m.d.Headers }
func (m *message) DeliveryAttempt() int          { return m.attempt }

func (m *message) Ack() {
	m.once.Do(func() {
		if m.d.Ack != nil {
			_ = m.d.Ack()
		}
	})
}

func (m *message) Nack() {
	m.once.Do(m.retry)
}

// retry republishes the message straight to its queue with the next
// attempt number, or to the dead-letter topic once attempts run out. The
// original is acked only after the copy is stored.
func (m *message) retry() {
	headers := maps.Clone(m.d.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	ctx := context.Background()

	var err error
	if m.attempt >= m.bus.cfg.MaxDeliveries {
		if m.bus.cfg.DeadLetterTopic == "" {
			m.reject()
			return
		}
		headers[event.AttrDeadLetterSource] = m.queue
		headers[event.AttrDeliveryAttempt] = strconv.Itoa(m.attempt)
		err = m.bus.ch.Publish(ctx, PubMsg{
			Exchange:   Exchange,
			RoutingKey: m.bus.cfg.DeadLetterTopic,
			MessageID:  m.d.MessageID,
			Body:       m.d.Body,
			Headers:    headers,
		})
	} else {
		headers[HeaderAttempt] = strconv.Itoa(m.attempt + 1)
		err = m.bus.ch.Publish(ctx, PubMsg{
			RoutingKey: m.queue,
			MessageID:  m.d.MessageID,
			Body:       m.d.Body,
			Headers:    headers,
		})
	}
	if err != nil {
		m.reject()
		return
	}
	if m.d.Ack != nil {
		_ = m.d.Ack()
	}
}

func (m *message) reject() {
	if m.d.Reject != nil {
		_ = m.d.Reject()
	}
}
