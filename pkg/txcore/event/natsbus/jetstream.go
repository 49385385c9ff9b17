package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConnConfig configures a JetStream connection.
type ConnConfig struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	AckWait       time.Duration
}

type jsClient struct {
	js      jetstream.JetStream
	ackWait time.Duration
}

func (c jsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (string, uint64, error) {
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	ack, err := c.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", 0, err
	}
	return ack.Stream, ack.Sequence, nil
}

func (c jsClient) EnsureStream(ctx context.Context, stream, subject string) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
	})
	return err
}

func (c jsClient) EnsureConsumer(ctx context.Context, stream, durable string, maxDeliver int) (bool, error) {
	_, err := c.js.Consumer(ctx, stream, durable)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return false, err
	}
	cfg := jetstream.ConsumerConfig{
		Durable:    durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		MaxDeliver: maxDeliver,
	}
	if c.ackWait > 0 {
		cfg.AckWait = c.ackWait
	}
	if _, err := c.js.CreateOrUpdateConsumer(ctx, stream, cfg); err != nil {
		return false, err
	}
	return true, nil
}

func (c jsClient) Consume(ctx context.Context, stream, durable string, fn func(Delivery)) error {
	cons, err := c.js.Consumer(ctx, stream, durable)
	if err != nil {
		return err
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		d := Delivery{
			Data: msg.Data(),
			Ack:  msg.Ack,
			Nak:  msg.Nak,
			Term: msg.Term,
		}
		if meta, err := msg.Metadata(); err == nil {
			d.Stream = meta.Stream
			d.Sequence = meta.Sequence.Stream
			d.NumDelivered = meta.NumDelivered
		}
		if h := msg.Headers(); len(h) > 0 {
			d.Headers = make(map[string]string, len(h))
			for k := range h {
				d.Headers[k] = h.Get(k)
			}
		}
		fn(d)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

// Connect dials NATS and returns a Bus with a cleanup that drains the
// connection.
func Connect(conn ConnConfig, cfg Config) (*Bus, func(), error) {
	if conn.URL == "" {
		return nil, nil, errors.New("nats url required")
	}
	opts := []nats.Option{}
	if conn.Name != "" {
		opts = append(opts, nats.Name(conn.Name))
	}
	if conn.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(conn.ConnTimeout))
	}
	if conn.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(conn.MaxReconnects))
	}

	nc, err := nats.Connect(conn.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("nats jetstream: %w", err)
	}

	cleanup := func() {
		if !nc.IsClosed() {
			_ = nc.Drain()
			nc.Close()
		}
	}
	return New(jsClient{js: js, ackWait: conn.AckWait}, cfg), cleanup, nil
}
