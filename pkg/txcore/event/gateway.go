package event

import (
	"context"
	"errors"
)

// ErrSubscriptionExists is returned by EnsureSubscription when the
// subscription is already in place. Callers treat it as success.
var ErrSubscriptionExists = errors.New("subscription already exists")

// ErrClosed is returned by a broker that has been closed.
var ErrClosed = errors.New("broker is closed")

// Publisher publishes raw message bytes to a topic.
type Publisher interface {
	// Publish sends data to topic and returns the broker-assigned id.
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (messageID string, err error)
}

// Subscriber delivers messages of a subscription.
type Subscriber interface {
	// EnsureSubscription binds subscriptionID to topic, creating it if
	// needed. It may return ErrSubscriptionExists.
	EnsureSubscription(ctx context.Context, topic, subscriptionID string) error

	// Receive calls fn for each delivered message until ctx is done.
	// Callbacks may run concurrently.
	Receive(ctx context.Context, subscriptionID string, fn func(context.Context, Message)) error
}

// Message is one delivery of a published message.
type Message interface {
	ID() string
	Data() []byte
	Attributes() map[string]string

	// DeliveryAttempt is 1 on the first delivery.
	DeliveryAttempt() int

	// Ack confirms processing. Nack asks the broker to redeliver.
	Ack()
	Nack()
}
