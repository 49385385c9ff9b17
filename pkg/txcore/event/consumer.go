package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// ErrConsumerStarted is returned by RegisterHandler once Subscribe has
// started delivering.
var ErrConsumerStarted = errors.New("consumer already subscribed")

// ErrNoHandler is wrapped by the delivery failure for an envelope with no
// registered (type, version) handler.
var ErrNoHandler = errors.New("no handler registered")

// Handler processes one envelope. It may be invoked more than once for the
// same envelope.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// MiddlewareFunc wraps a Handler.
type MiddlewareFunc func(Handler) Handler

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, txerrors.Validation("event.DecodePayload", "payload of %s: %v", env.Key(), err)
	}
	return v, nil
}

// Typed returns a Handler that decodes the payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, env Envelope, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, env Envelope) error {
		v, err := DecodePayload[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, env, v)
	})
}

// Consumer dispatches delivered envelopes to handlers keyed by exact
// (type, version).
type Consumer struct {
	sub       Subscriber
	validator *SchemaValidator
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager

	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []MiddlewareFunc
	started    bool
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithValidator validates every raw envelope before decoding.
func WithValidator(v *SchemaValidator) ConsumerOption {
	return func(c *Consumer) { c.validator = v }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithConsumerMetrics sets the metrics recorder.
func WithConsumerMetrics(m observability.MetricsRecorder) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithConsumerSpans sets the span manager.
func WithConsumerSpans(s observability.SpanManager) ConsumerOption {
	return func(c *Consumer) { c.spans = s }
}

// NewConsumer creates a Consumer receiving from sub. sub may be nil for a
// consumer used only through Dispatch, such as a push endpoint.
func NewConsumer(sub Subscriber, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		sub:      sub,
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.OrDefault(c.logger)
	return c
}

// RegisterHandler binds h to (eventType, version). Re-registering replaces
// the previous handler.
func (c *Consumer) RegisterHandler(eventType, version string, h Handler) error {
	if eventType == "" || version == "" {
		return txerrors.Validation("event.RegisterHandler", "event type and version are required")
	}
	if h == nil {
		return txerrors.Validation("event.RegisterHandler", "handler is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrConsumerStarted
	}
	c.handlers[handlerKey(eventType, version)] = h
	return nil
}

// Use adds middleware applied to every handler, outermost first.
func (c *Consumer) Use(mw MiddlewareFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrConsumerStarted
	}
	c.middleware = append(c.middleware, mw)
	return nil
}

// Handlers returns the registered (type:version) keys.
func (c *Consumer) Handlers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe ensures subscriptionID exists on Topic(domain, version) and
// runs the pull loop until ctx is done. Registration is closed once it
// starts.
func (c *Consumer) Subscribe(ctx context.Context, domain, version, subscriptionID string) error {
	if c.sub == nil {
		return errors.New("event: consumer has no subscriber")
	}
	topic := Topic(domain, version)
	if err := c.sub.EnsureSubscription(ctx, topic, subscriptionID); err != nil {
		if !errors.Is(err, ErrSubscriptionExists) {
			return fmt.Errorf("ensure subscription %s on %s: %w", subscriptionID, topic, err)
		}
		c.logger.Info("subscription already exists",
			slog.String(observability.KeySubscription, subscriptionID),
			slog.String(observability.KeyTopic, topic),
		)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.logger.Info("listening for events",
		slog.String(observability.KeySubscription, subscriptionID),
		slog.String(observability.KeyTopic, topic),
	)
	err := c.sub.Receive(ctx, subscriptionID, func(ctx context.Context, msg Message) {
		c.handleMessage(ctx, subscriptionID, msg)
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) handleMessage(ctx context.Context, subscriptionID string, msg Message) {
	attrs := msg.Attributes()
	ctx, span := c.spans.StartDeliverySpan(ctx, subscriptionID, attrs[AttrEventType], attrs[AttrEventVersion])
	env, err := c.Dispatch(ctx, msg.Data())
	c.spans.EndSpanWithError(span, err)

	outcome := observability.DeliveryAck
	if err != nil {
		outcome = observability.DeliveryNack
		msg.Nack()
	} else {
		msg.Ack()
	}
	c.metrics.RecordDelivery(ctx, env.Type, env.Version, outcome)
	observability.LogDelivery(c.logger, env.Type, env.Version, env.CorrelationID, outcome, err)
}

// Dispatch decodes data and runs the matching handler. A malformed
// envelope is a KindValidation error; a missing handler, a handler error
// and a recovered handler panic are KindDeliveryFailure errors. The
// decoded envelope is returned whenever decoding succeeded.
func (c *Consumer) Dispatch(ctx context.Context, data []byte) (Envelope, error) {
	if c.validator != nil {
		if err := c.validator.Validate(data); err != nil {
			return Envelope{}, err
		}
	}
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}

	c.mu.RLock()
	h, ok := c.handlers[env.Key()]
	mw := c.middleware
	c.mu.RUnlock()
	if !ok {
		return env, &txerrors.Error{Kind: txerrors.KindDeliveryFailure, Op: "event.Dispatch", Message: env.Key(), Err: ErrNoHandler}
	}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}

	if err := invoke(ctx, h, env); err != nil {
		return env, &txerrors.Error{Kind: txerrors.KindDeliveryFailure, Op: "event.Dispatch", Message: env.Key(), Err: err}
	}
	return env, nil
}

func invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, env)
}
