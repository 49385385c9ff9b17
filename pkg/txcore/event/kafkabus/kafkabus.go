// Package kafkabus adapts Kafka to the event Publisher gateway.
//
// The record key is the envelope correlation id, so every event of one
// transaction lands on one partition and keeps its order. Message ids are
// "<partition>:<offset>".
package kafkabus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
)

// Writer produces one record synchronously.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) (partition int32, offset int64, err error)
}

// Publisher implements event.Publisher over a Writer.
type Publisher struct {
	w Writer
}

var _ event.Publisher = (*Publisher)(nil)

// New returns a Publisher over w.
func New(w Writer) *Publisher { return &Publisher{w: w} }

// Publish implements event.Publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p == nil || p.w == nil {
		return "", errors.New("kafka publish: no writer")
	}
	var key []byte
	if id := attrs[event.AttrCorrelationID]; id != "" {
		key = []byte(id)
	}
	partition, offset, err := p.w.Write(ctx, topic, key, data, attrs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return strconv.FormatInt(int64(partition), 10) + ":" + strconv.FormatInt(offset, 10), nil
}

// Config configures the franz-go client.
type Config struct {
	Brokers    []string
	ClientID   string
	TLS        *tls.Config
	Acks       kgo.Acks
	Idempotent bool
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) (int32, int64, error) {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	res := w.cl.ProduceSync(ctx, rec)
	r, err := res.First()
	if err != nil {
		return 0, 0, err
	}
	return r.Partition, r.Offset, nil
}

// Connect builds a franz-go client and returns a Publisher with a cleanup
// that closes it.
func Connect(cfg Config) (*Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, errors.New("kafka brokers required")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.Idempotent {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
		if cfg.Acks != (kgo.Acks{}) {
			opts = append(opts, kgo.RequiredAcks(cfg.Acks))
		}
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", err)
	}
	return New(kgoWriter{cl: cl}), cl.Close, nil
}
