// Package natsbus adapts NATS JetStream to the event Publisher and
// Subscriber gateways.
//
// Each topic is a stream whose name is the topic with dots replaced by
// underscores. Each subscription is a durable pull consumer with explicit
// acks and a MaxDeliver policy. A message nacked on its last delivery is
// republished to the dead-letter topic, when one is configured, and then
// terminated.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
)

// DefaultMaxDeliver is the delivery limit of new consumers.
const DefaultMaxDeliver = 5

// Delivery is one JetStream delivery.
type Delivery struct {
	Stream       string
	Sequence     uint64
	NumDelivered uint64
	Data         []byte
	Headers      map[string]string

	Ack  func() error
	Nak  func() error
	Term func() error
}

// Client is the narrow JetStream surface the Bus needs. NewClient wraps a
// real connection; tests substitute a fake.
type Client interface {
	// Publish stores data on subject and returns the stream sequence.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (stream string, seq uint64, err error)

	// EnsureStream creates or updates stream capturing subject.
	EnsureStream(ctx context.Context, stream, subject string) error

	// EnsureConsumer creates durable on stream. It reports created=false
	// when the consumer already existed.
	EnsureConsumer(ctx context.Context, stream, durable string, maxDeliver int) (created bool, err error)

	// Consume calls fn for each delivery until ctx is done.
	Consume(ctx context.Context, stream, durable string, fn func(Delivery)) error
}

// Config configures a Bus.
type Config struct {
	MaxDeliver      int
	DeadLetterTopic string
}

// Bus implements event.Publisher and event.Subscriber over JetStream.
type Bus struct {
	client Client
	cfg    Config

	mu      sync.RWMutex
	streams map[string]string // subscription -> stream
	known   map[string]bool   // streams already ensured
}

var (
	_ event.Publisher  = (*Bus)(nil)
	_ event.Subscriber = (*Bus)(nil)
)

// New creates a Bus over client.
func New(client Client, cfg Config) *Bus {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	return &Bus{
		client:  client,
		cfg:     cfg,
		streams: make(map[string]string),
		known:   make(map[string]bool),
	}
}

// StreamName returns the stream holding topic.
func StreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func (b *Bus) ensureStream(ctx context.Context, topic string) (string, error) {
	stream := StreamName(topic)
	b.mu.RLock()
	ok := b.known[stream]
	b.mu.RUnlock()
	if ok {
		return stream, nil
	}
	if err := b.client.EnsureStream(ctx, stream, topic); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.known[stream] = true
	b.mu.Unlock()
	return stream, nil
}

// Publish implements event.Publisher. The message id is "<stream>:<seq>".
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.client == nil {
		return "", errors.New("nats publish: no client")
	}
	if _, err := b.ensureStream(ctx, topic); err != nil {
		return "", fmt.Errorf("nats ensure stream for %s: %w", topic, err)
	}
	stream, seq, err := b.client.Publish(ctx, topic, data, attrs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("nats publish to %s: %w", topic, err)
	}
	return stream + ":" + strconv.FormatUint(seq, 10), nil
}

// EnsureSubscription implements event.Subscriber.
func (b *Bus) EnsureSubscription(ctx context.Context, topic, subscriptionID string) error {
	stream, err := b.ensureStream(ctx, topic)
	if err != nil {
		return fmt.Errorf("nats ensure stream for %s: %w", topic, err)
	}
	created, err := b.client.EnsureConsumer(ctx, stream, subscriptionID, b.cfg.MaxDeliver)
	if err != nil {
		return fmt.Errorf("nats ensure consumer %s: %w", subscriptionID, err)
	}
	b.mu.Lock()
	b.streams[subscriptionID] = stream
	b.mu.Unlock()
	if !created {
		return event.ErrSubscriptionExists
	}
	return nil
}

// Receive implements event.Subscriber.
func (b *Bus) Receive(ctx context.Context, subscriptionID string, fn func(context.Context, event.Message)) error {
	b.mu.RLock()
	stream, ok := b.streams[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("nats subscription %s not ensured", subscriptionID)
	}
	err := b.client.Consume(ctx, stream, subscriptionID, func(d Delivery) {
		fn(ctx, &message{bus: b, sub: subscriptionID, d: d})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Bus) deadLetter(m *message) {
	if b.cfg.DeadLetterTopic == "" {
		return
	}
	attrs := maps.Clone(m.d.Headers)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs[event.AttrDeadLetterSource] = m.sub
	attrs[event.AttrDeliveryAttempt] = strconv.FormatUint(m.d.NumDelivered, 10)
	_, _ = b.Publish(context.Background(), b.cfg.DeadLetterTopic, m.d.Data, attrs)
}

type message struct {
	bus *Bus
	sub string
	d   Delivery
}

func (m *message) ID() string {
	return m.d.Stream + ":" + strconv.FormatUint(m.d.Sequence, 10)
}

func (m *message) Data() []byte                  { return m.d.Data }
func (m *message) Attributes() map[string]string { return m.d.Headers }
func (m *message) DeliveryAttempt() int          { return int(m.d.NumDelivered) }

func (m *message) Ack() {
	if m.d.Ack != nil {
		_ = m.d.Ack()
	}
}

func (m *message) Nack() {
	if int(m.d.NumDelivered) >= m.bus.cfg.MaxDeliver {
		m.bus.deadLetter(m)
		if m.d.Term != nil {
			_ = m.d.Term()
			return
		}
	}
	if m.d.Nak != nil {
		_ = m.d.Nak()
	}
}
