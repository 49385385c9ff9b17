package rabbitbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnConfig configures the AMQP connection.
type ConnConfig struct {
	URL         string
	ConnTimeout time.Duration
	Prefetch    int
}

// amqpChannel keeps one connection alive, redialing with jittered backoff
// when the broker closes it.
type amqpChannel struct {
	cfg    ConnConfig
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	ready  chan struct{}
	closed chan struct{}
}

func newAMQPChannel(cfg ConnConfig) *amqpChannel {
	c := &amqpChannel{
		cfg:    cfg,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *amqpChannel) current(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	c.mu.RLock()
	conn, ch, ready := c.conn, c.ch, c.ready
	c.mu.RUnlock()
	if ch != nil {
		return conn, ch, nil
	}
	select {
	case <-ready:
	case <-c.closed:
		return nil, nil, errors.New("rabbitmq: closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ch == nil {
		return nil, nil, errors.New("rabbitmq: not connected")
	}
	return c.conn, c.ch, nil
}

func (c *amqpChannel) Publish(ctx context.Context, m PubMsg) error {
	_, ch, err := c.current(ctx)
	if err != nil {
		return err
	}
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}
	return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageID,
		Headers:      h,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         m.Body,
	})
}

func (c *amqpChannel) DeclareQueue(ctx context.Context, queue, routingKey string) (bool, error) {
	conn, ch, err := c.current(ctx)
	if err != nil {
		return false, err
	}

	// A failed passive declare closes its channel, so check on a spare one.
	spare, err := conn.Channel()
	if err != nil {
		return false, err
	}
	_, perr := spare.QueueDeclarePassive(queue, true, false, false, false, nil)
	if perr == nil {
		_ = spare.Close()
		return false, ch.QueueBind(queue, routingKey, Exchange, false, nil)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}); err != nil {
		return false, err
	}
	if err := ch.QueueBind(queue, routingKey, Exchange, false, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *amqpChannel) Consume(ctx context.Context, queue string, fn func(Delivery)) error {
	_, ch, err := c.current(ctx)
	if err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq: consumer for %s closed", queue)
			}
			fn(toDelivery(d))
		}
	}
}

func toDelivery(d amqp.Delivery) Delivery {
	out := Delivery{
		MessageID: d.MessageId,
		Body:      d.Body,
		Ack:       func() error { return d.Ack(false) },
		Reject:    func() error { return d.Nack(false, false) },
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = fmt.Sprint(v)
		}
	}
	return out
}

func (c *amqpChannel) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "txcore"},
		Dial:       amqp.DefaultDial(c.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	fail := func(err error) (*amqp.Connection, *amqp.Channel, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fail(err)
		}
	}
	return conn, ch, nil
}

func (c *amqpChannel) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, ch, err := c.dial()
		if err != nil {
			sleep := min(backoff+rand.N(backoff/2), maxBackoff)
			t := time.NewTimer(sleep)
			select {
			case <-c.closed:
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		c.mu.Lock()
		c.conn, c.ch = conn, ch
		close(c.ready)
		c.mu.Unlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closed:
			_ = ch.Close()
			_ = conn.Close()
			return
		case <-notify:
			_ = ch.Close()
			_ = conn.Close()
			c.mu.Lock()
			c.conn, c.ch = nil, nil
			c.ready = make(chan struct{})
			c.mu.Unlock()
		}
	}
}

func (c *amqpChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connect starts a self-healing AMQP connection and returns a Bus with a
// cleanup that closes it.
func Connect(conn ConnConfig, cfg Config) (*Bus, func(), error) {
	if conn.URL == "" {
		return nil, nil, errors.New("rabbitmq url required")
	}
	ch := newAMQPChannel(conn)
	return New(ch, cfg), ch.close, nil
}
