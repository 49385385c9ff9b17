package txcore

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
)

type options struct {
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	now        func() time.Time
	publisher  event.Publisher
	subscriber event.Subscriber
	alerter    event.Alerter
	archive    event.Archive
	taskQueue  tasks.TaskQueue
	caller     saga.StepCaller
}

// Option configures New.
type Option func(*options)

func buildOptions(opts []Option) options {
	o := options{
		metrics: observability.NewMetricsRecorder(),
		spans:   observability.NewSpanManager(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = observability.OrDefault(o.logger)
	return o
}

// WithLogger sets the logger every component uses.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics replaces the OpenTelemetry recorder, for example with
// observability.NoopMetrics{}.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithSpans sets the span manager shared by all components.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) { o.spans = s }
}

// WithClock sets the time source for stores, guards, breakers and the
// executor.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBroker uses pub and sub instead of the configured broker. sub may be
// nil.
func WithBroker(pub event.Publisher, sub event.Subscriber) Option {
	return func(o *options) {
		o.publisher = pub
		o.subscriber = sub
	}
}

// WithAlerter replaces the dead-letter alerter.
func WithAlerter(a event.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithArchive overrides the configured dead-letter archive.
func WithArchive(a event.Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithTaskQueue overrides the configured task queue.
func WithTaskQueue(q tasks.TaskQueue) Option {
	return func(o *options) { o.taskQueue = q }
}

// WithStepCaller replaces the HTTP step caller of the local executor.
func WithStepCaller(c saga.StepCaller) Option {
	return func(o *options) { o.caller = c }
}
