package txcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/txcore/pkg/txcore/breaker"
	"github.com/randalmurphal/txcore/pkg/txcore/config"
	"github.com/randalmurphal/txcore/pkg/txcore/event"
	"github.com/randalmurphal/txcore/pkg/txcore/event/archive"
	"github.com/randalmurphal/txcore/pkg/txcore/event/kafkabus"
	"github.com/randalmurphal/txcore/pkg/txcore/event/natsbus"
	"github.com/randalmurphal/txcore/pkg/txcore/event/rabbitbus"
	"github.com/randalmurphal/txcore/pkg/txcore/idempotency"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
)

// Core holds the wired components. Fields are read-only after New.
type Core struct {
	Config *config.Config
	Logger *slog.Logger

	Idempotency idempotency.Store
	Guard       *idempotency.Guard
	Sweeper     *idempotency.Sweeper

	Breakers *breaker.Registry

	// Subscriber is nil for publish-only brokers (kafka).
	Publisher   event.Publisher
	Subscriber  event.Subscriber
	Producer    *event.Producer
	Consumer    *event.Consumer
	DeadLetters *event.DeadLetterProcessor

	TaskQueue tasks.TaskQueue
	Tasks     *tasks.Scheduler

	Executions   saga.ExecutionStore
	Executor     *saga.LocalExecutor
	Orchestrator *saga.Orchestrator
	Definitions  map[string]saga.Definition

	closers []func() error
}

// New builds every component described by cfg. On error, whatever was
// already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Core, err error) {
	if cfg == nil {
		cfg = config.Default()
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := buildOptions(opts)

	c := &Core{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.buildIdempotency(ctx, o); err != nil {
		return nil, err
	}
	c.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		Now:              o.now,
	}, breaker.WithLogger(o.logger), breaker.WithMetrics(o.metrics))

	if err := c.buildEvents(o); err != nil {
		return nil, err
	}
	if err := c.buildDeadLetters(ctx, o); err != nil {
		return nil, err
	}
	if err := c.buildTasks(ctx, o); err != nil {
		return nil, err
	}
	if err := c.buildSaga(o); err != nil {
		return nil, err
	}

	c.Logger.Info("txcore initialized",
		slog.String("idempotency", cfg.Idempotency.Backend),
		slog.String("broker", cfg.Events.Broker),
		slog.String("tasks", cfg.Tasks.Backend),
		slog.String("saga_store", cfg.Saga.Store),
		slog.String("dlq_archive", cfg.DLQ.Archive),
	)
	return c, nil
}

func (c *Core) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *Core) closeIfCloser(v any) {
	if cl, ok := v.(io.Closer); ok {
		c.onClose(cl.Close)
	}
}

func (c *Core) buildIdempotency(ctx context.Context, o options) error {
	cfg := c.Config.Idempotency
	storeOpts := []idempotency.Option{idempotency.WithDefaultTTL(cfg.DefaultTTL), idempotency.WithClock(o.now)}

	var (
		store idempotency.Store
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = idempotency.NewMemoryStore(storeOpts...)
	case "sqlite":
		store, err = idempotency.NewSQLiteStore(cfg.DSN, storeOpts...)
	case "postgres":
		store, err = idempotency.OpenPostgresStore(ctx, cfg.DSN, idempotency.WithStoreOptions(storeOpts...))
	case "redis":
		store, err = idempotency.OpenRedisStore(ctx, cfg.Addr, "", 0, storeOpts...)
	}
	if err != nil {
		return fmt.Errorf("idempotency store %s: %w", cfg.Backend, err)
	}
	c.closeIfCloser(store)

	c.Idempotency = store
	c.Guard = idempotency.NewGuard(store,
		idempotency.WithTTL(cfg.DefaultTTL),
		idempotency.WithWaitForInFlight(cfg.WaitForInFlight),
		idempotency.WithLogger(o.logger),
		idempotency.WithMetrics(o.metrics),
		idempotency.WithGuardClock(o.now),
	)
	c.Sweeper = idempotency.NewSweeper(store,
		idempotency.WithInterval(cfg.SweepInterval),
		idempotency.WithBatch(cfg.SweepBatch),
		idempotency.WithSweeperLogger(o.logger),
	)
	return nil
}

func (c *Core) buildEvents(o options) error {
	cfg := c.Config.Events

	switch {
	case o.publisher != nil:
		c.Publisher = o.publisher
		c.Subscriber = o.subscriber
	case cfg.Broker == "memory":
		b := event.NewMemoryBroker(event.MemoryBrokerConfig{
			MaxDeliveries:   cfg.MaxDeliveries,
			DeadLetterTopic: cfg.DeadLetter,
		})
		c.onClose(b.Close)
		c.Publisher, c.Subscriber = b, b
	case cfg.Broker == "nats":
		bus, cleanup, err := natsbus.Connect(
			natsbus.ConnConfig{URL: cfg.URL, Name: "txcore"},
			natsbus.Config{MaxDeliver: cfg.MaxDeliveries, DeadLetterTopic: cfg.DeadLetter},
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		c.onClose(func() error { cleanup(); return nil })
		c.Publisher, c.Subscriber = bus, bus
	case cfg.Broker == "rabbitmq":
		bus, cleanup, err := rabbitbus.Connect(
			rabbitbus.ConnConfig{URL: cfg.URL},
			rabbitbus.Config{MaxDeliveries: cfg.MaxDeliveries, DeadLetterTopic: cfg.DeadLetter},
		)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		c.onClose(func() error { cleanup(); return nil })
		c.Publisher, c.Subscriber = bus, bus
	case cfg.Broker == "kafka":
		pub, cleanup, err := kafkabus.Connect(kafkabus.Config{
			Brokers:    cfg.Brokers,
			ClientID:   "txcore",
			Idempotent: true,
		})
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		c.onClose(func() error { cleanup(); return nil })
		c.Publisher = pub
	}

	c.Producer = event.NewProducer(c.Publisher,
		event.WithClock(o.now),
		event.WithLogger(o.logger),
		event.WithMetrics(o.metrics),
		event.WithSpans(o.spans),
	)

	consumerOpts := []event.ConsumerOption{
		event.WithConsumerLogger(o.logger),
		event.WithConsumerMetrics(o.metrics),
		event.WithConsumerSpans(o.spans),
	}
	if cfg.SchemaPath != "" {
		v, err := event.LoadSchemaFile(cfg.SchemaPath)
		if err != nil {
			return fmt.Errorf("load envelope schema: %w", err)
		}
		consumerOpts = append(consumerOpts, event.WithValidator(v))
	}
	c.Consumer = event.NewConsumer(c.Subscriber, consumerOpts...)
	if cfg.Dedupe {
		if err := c.Consumer.Use(event.Dedupe(c.Idempotency, c.Config.Idempotency.DefaultTTL, nil)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) buildDeadLetters(ctx context.Context, o options) error {
	cfg := c.Config.DLQ
	dlOpts := []event.DeadLetterOption{
		event.WithDeadLetterLogger(o.logger),
		event.WithDeadLetterClock(o.now),
	}
	if o.alerter != nil {
		dlOpts = append(dlOpts, event.WithAlerter(o.alerter))
	}

	switch {
	case o.archive != nil:
		dlOpts = append(dlOpts, event.WithArchive(o.archive, cfg.Prefix))
	case cfg.Archive == "gcs":
		a, err := archive.OpenGCS(ctx, cfg.Bucket, "")
		if err != nil {
			return err
		}
		c.onClose(a.Close)
		dlOpts = append(dlOpts, event.WithArchive(a, cfg.Prefix))
	case cfg.Archive == "s3":
		a, err := archive.OpenS3(ctx, archive.S3Config{Bucket: cfg.Bucket, Region: cfg.Region})
		if err != nil {
			return err
		}
		dlOpts = append(dlOpts, event.WithArchive(a, cfg.Prefix))
	default:
		dlOpts = append(dlOpts, event.WithArchive(event.NewMemoryArchive(), cfg.Prefix))
	}
	c.DeadLetters = event.NewDeadLetterProcessor(dlOpts...)
	return nil
}

func (c *Core) buildTasks(ctx context.Context, o options) error {
	cfg := c.Config.Tasks
	switch {
	case o.taskQueue != nil:
		c.TaskQueue = o.taskQueue
	case cfg.Backend == "redis":
		q, err := tasks.OpenRedisQueue(ctx, cfg.Addr, cfg.Queue)
		if err != nil {
			return fmt.Errorf("task queue: %w", err)
		}
		c.closeIfCloser(q)
		c.TaskQueue = q
	default:
		c.TaskQueue = tasks.NewMemoryQueue(cfg.Queue)
	}

	schedOpts := []tasks.Option{
		tasks.WithQueueName(cfg.Queue),
		tasks.WithDispatchDeadline(cfg.DispatchDeadline),
		tasks.WithClock(o.now),
		tasks.WithLogger(o.logger),
		tasks.WithMetrics(o.metrics),
	}
	if cfg.SubmitRate > 0 {
		schedOpts = append(schedOpts, tasks.WithRateLimit(cfg.SubmitRate, cfg.SubmitBurst))
	}
	c.Tasks = tasks.NewScheduler(c.TaskQueue, schedOpts...)
	return nil
}

func (c *Core) buildSaga(o options) error {
	cfg := c.Config.Saga
	switch cfg.Store {
	case "sqlite":
		s, err := saga.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return fmt.Errorf("saga store: %w", err)
		}
		c.onClose(s.Close)
		c.Executions = s
	default:
		c.Executions = saga.NewMemoryStore()
	}

	caller := o.caller
	if caller == nil {
		caller = saga.NewHTTPCaller(&http.Client{Timeout: cfg.StepTimeout}, c.Breakers)
	}
	execOpts := []saga.LocalOption{
		saga.WithStore(c.Executions),
		saga.WithStepTimeout(cfg.StepTimeout),
		saga.WithExecutorClock(o.now),
		saga.WithExecutorLogger(o.logger),
	}
	if cfg.CompensateViaTasks {
		execOpts = append(execOpts, saga.WithCompensationScheduler(c.Tasks))
	}
	c.Executor = saga.NewLocalExecutor(caller, execOpts...)
	c.onClose(c.Executor.Close)

	c.Orchestrator = saga.NewOrchestrator(c.Executor,
		saga.WithLogger(o.logger),
		saga.WithMetrics(o.metrics),
		saga.WithSpans(o.spans),
	)

	c.Definitions = map[string]saga.Definition{}
	if cfg.DefinitionsDir != "" {
		defs, err := saga.LoadDefinitions(cfg.DefinitionsDir)
		if err != nil {
			return err
		}
		c.Definitions = defs
	}
	return nil
}

// Start launches background work: the idempotency sweeper.
func (c *Core) Start(ctx context.Context) {
	c.Sweeper.Start(ctx)
}

// Subscribe runs the consumer loop on the configured topic and
// subscription until ctx is done. Handlers must be registered first.
func (c *Core) Subscribe(ctx context.Context) error {
	ev := c.Config.Events
	return c.Consumer.Subscribe(ctx, ev.Domain, ev.Version, ev.Subscription)
}

// ConsumeDeadLetters feeds the dead-letter topic into the DeadLetterProcessor
// until ctx is done. Undecodable messages are logged and acked so they do
// not loop.
func (c *Core) ConsumeDeadLetters(ctx context.Context, subscriptionID string) error {
	if c.Subscriber == nil {
		return errors.New("txcore: broker has no subscriber")
	}
	topic := c.Config.Events.DeadLetter
	if err := c.Subscriber.EnsureSubscription(ctx, topic, subscriptionID); err != nil && !errors.Is(err, event.ErrSubscriptionExists) {
		return fmt.Errorf("ensure dead-letter subscription: %w", err)
	}
	err := c.Subscriber.Receive(ctx, subscriptionID, func(ctx context.Context, msg event.Message) {
		env, err := event.Decode(msg.Data())
		if err != nil {
			c.Logger.Error("undecodable dead letter",
				slog.String(observability.KeyTopic, topic),
				slog.String(observability.KeyError, err.Error()),
			)
			msg.Ack()
			return
		}
		dl := event.DeadLetter{MessageID: msg.ID(), Envelope: env, Attributes: msg.Attributes()}
		if err := c.DeadLetters.Process(ctx, dl); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close stops background work and releases connections in reverse order
// of creation. It is safe to call more than once.
func (c *Core) Close() error {
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
