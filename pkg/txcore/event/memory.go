package event

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Dead-letter attribute names added when a message exhausts its deliveries.
const (
	AttrDeadLetterSource = "dead_letter_source_subscription"
	AttrDeliveryAttempt  = "delivery_attempt"
)

// MemoryBrokerConfig configures a MemoryBroker.
type MemoryBrokerConfig struct {
	// BufferSize is the queue capacity per subscription.
	// Default: 256
	BufferSize int

	// MaxDeliveries is the number of deliveries before a nacked message is
	// dead-lettered.
	// Default: 5
	MaxDeliveries int

	// DeadLetterTopic receives exhausted messages. Empty drops them.
	DeadLetterTopic string

	// RedeliveryDelay is the wait before a nacked message is redelivered.
	RedeliveryDelay time.Duration

	// MaxOutstanding bounds concurrent callbacks per Receive.
	// Default: 10
	MaxOutstanding int
}

// DefaultMemoryBrokerConfig provides reasonable defaults.
var DefaultMemoryBrokerConfig = MemoryBrokerConfig{
	BufferSize:     256,
	MaxDeliveries:  5,
	MaxOutstanding: 10,
}

// PublishedMessage is a message recorded by MemoryBroker.Publish.
type PublishedMessage struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// MemoryBroker is an in-process Publisher and Subscriber with Pub/Sub
// semantics: each subscription receives every message published to its
// topic after it was created, nacked messages are redelivered, and
// messages that exhaust MaxDeliveries move to the dead-letter topic.
type MemoryBroker struct {
	config MemoryBrokerConfig

	mu        sync.RWMutex
	subs      map[string]*memSubscription
	byTopic   map[string]map[string]*memSubscription
	published []PublishedMessage

	closed  atomic.Bool
	closeCh chan struct{}
}

var (
	_ Publisher  = (*MemoryBroker)(nil)
	_ Subscriber = (*MemoryBroker)(nil)
)

type memSubscription struct {
	id        string
	topic     string
	queue     chan *memMessage
	receiving atomic.Bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(config MemoryBrokerConfig) *MemoryBroker {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMemoryBrokerConfig.BufferSize
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultMemoryBrokerConfig.MaxDeliveries
	}
	if config.MaxOutstanding <= 0 {
		config.MaxOutstanding = DefaultMemoryBrokerConfig.MaxOutstanding
	}
	return &MemoryBroker{
		config:  config,
		subs:    make(map[string]*memSubscription),
		byTopic: make(map[string]map[string]*memSubscription),
		closeCh: make(chan struct{}),
	}
}

// Publish fans data out to every subscription of topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.published = append(b.published, PublishedMessage{
		ID:         id,
		Topic:      topic,
		Data:       append([]byte(nil), data...),
		Attributes: maps.Clone(attrs),
	})
	targets := make([]*memSubscription, 0, len(b.byTopic[topic]))
	for _, s := range b.byTopic[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		msg := &memMessage{
			broker:  b,
			sub:     s,
			id:      id,
			data:    append([]byte(nil), data...),
			attrs:   maps.Clone(attrs),
			attempt: 1,
		}
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.closeCh:
			return "", ErrClosed
		}
	}
	return id, nil
}

// EnsureSubscription creates subscriptionID on topic. It returns
// ErrSubscriptionExists when the subscription is already bound to topic.
func (b *MemoryBroker) EnsureSubscription(_ context.Context, topic, subscriptionID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[subscriptionID]; ok {
		if s.topic != topic {
			return fmt.Errorf("subscription %s is bound to %s, not %s", subscriptionID, s.topic, topic)
		}
		return ErrSubscriptionExists
	}
	s := &memSubscription{
		id:    subscriptionID,
		topic: topic,
		queue: make(chan *memMessage, b.config.BufferSize),
	}
	b.subs[subscriptionID] = s
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[string]*memSubscription)
	}
	b.byTopic[topic][subscriptionID] = s
	return nil
}

// Receive delivers messages of subscriptionID to fn until ctx is done or
// the broker is closed. It waits for running callbacks before returning.
func (b *MemoryBroker) Receive(ctx context.Context, subscriptionID string, fn func(context.Context, Message)) error {
	b.mu.RLock()
	s, ok := b.subs[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}
	if !s.receiving.CompareAndSwap(false, true) {
		return fmt.Errorf("subscription %s already has a receiver", subscriptionID)
	}
	defer s.receiving.Store(false)

	sem := make(chan struct{}, b.config.MaxOutstanding)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrClosed
		case msg := <-s.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				msg.Nack()
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				fn(ctx, msg)
			}()
		}
	}
}

// Published returns the messages published to topic, oldest first.
func (b *MemoryBroker) Published(topic string) []PublishedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close stops all receivers. Pending messages are discarded.
func (b *MemoryBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)
	return nil
}

func (b *MemoryBroker) redeliver(m *memMessage) {
	if m.attempt >= b.config.MaxDeliveries {
		b.deadLetter(m)
		return
	}
	next := &memMessage{
		broker:  b,
		sub:     m.sub,
		id:      m.id,
		data:    m.data,
		attrs:   m.attrs,
		attempt: m.attempt + 1,
	}
	go func() {
		if d := b.config.RedeliveryDelay; d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-b.closeCh:
				return
			}
		}
		select {
		case m.sub.queue <- next:
		case <-b.closeCh:
		}
	}()
}

func (b *MemoryBroker) deadLetter(m *memMessage) {
	if b.config.DeadLetterTopic == "" {
		return
	}
	attrs := maps.Clone(m.attrs)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs[AttrDeadLetterSource] = m.sub.id
	attrs[AttrDeliveryAttempt] = strconv.Itoa(m.attempt)
	go func() {
		_, _ = b.Publish(context.Background(), b.config.DeadLetterTopic, m.data, attrs)
	}()
}

type memMessage struct {
	broker  *MemoryBroker
	sub     *memSubscription
	id      string
	data    []byte
	attrs   map[string]string
	attempt int
	settled atomic.Bool
}

func (m *memMessage) ID() string                    { return m.id }
func (m *memMessage) Data() []byte                  { return m.data }
func (m *memMessage) Attributes() map[string]string { return m.attrs }
func (m *memMessage) DeliveryAttempt() int          { return m.attempt }

func (m *memMessage) Ack() {
	m.settled.CompareAndSwap(false, true)
}

func (m *memMessage) Nack() {
	if m.settled.CompareAndSwap(false, true) {
		m.broker.redeliver(m)
	}
}
