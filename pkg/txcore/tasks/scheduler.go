// Package tasks submits delayed and retried HTTP callbacks to a durable
// queue.
//
// The Scheduler only describes the retry policy; the queue performs the
// retries. Submission is attempted once. A failed submission, or one
// refused by the local rate limit, returns a KindSchedulingFailure error
// and the caller decides what to do next.
//
//	s := tasks.NewScheduler(queue, tasks.WithRateLimit(50, 10))
//	h, err := s.ScheduleRetry(ctx, "https://crm/compensate", payload, 5)
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

const (
	// DefaultDelay is used by ScheduleDelayed when delay is zero.
	DefaultDelay = 60 * time.Second

	// DelayedMaxAttempts is the attempt budget of delayed tasks.
	DelayedMaxAttempts = 3
)

// ErrRateLimited is wrapped when the local submission limit is exceeded.
var ErrRateLimited = errors.New("task submission rate exceeded")

// TaskQueue accepts task descriptors. Submit must not retry.
type TaskQueue interface {
	Submit(ctx context.Context, d Descriptor) (TaskHandle, error)
}

// Scheduler validates and submits tasks.
type Scheduler struct {
	queue    TaskQueue
	name     string
	limiter  *rate.Limiter
	deadline time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRateLimit refuses submissions beyond perSecond with the given burst.
// A non-positive rate disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithQueueName sets the queue label used in logs and metrics.
func WithQueueName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithDispatchDeadline sets the deadline for specs that leave it empty.
func WithDispatchDeadline(d time.Duration) Option {
	return func(s *Scheduler) { s.deadline = d }
}

// WithClock sets the time source used to resolve delays.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics recorder for submissions.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler over queue.
func NewScheduler(queue TaskQueue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    queue,
		name:     "default",
		deadline: DefaultDispatchDeadline,
		now:      time.Now,
		metrics:  observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDefault(s.logger)
	return s
}

// ScheduleTask submits spec once.
func (s *Scheduler) ScheduleTask(ctx context.Context, spec TaskSpec) (TaskHandle, error) {
	const op = "tasks.ScheduleTask"
	if spec.DispatchDeadline == 0 {
		spec.DispatchDeadline = s.deadline
	}
	d, err := describe(spec, s.now())
	if err != nil {
		return TaskHandle{}, err
	}

	if s.limiter != nil && !s.limiter.Allow() {
		err := &txerrors.Error{Kind: txerrors.KindSchedulingFailure, Op: op, Err: ErrRateLimited}
		s.fail(ctx, d, err)
		return TaskHandle{}, err
	}

	h, err := s.queue.Submit(ctx, d)
	if err != nil {
		err = &txerrors.Error{Kind: txerrors.KindSchedulingFailure, Op: op, Err: err}
		s.fail(ctx, d, err)
		return TaskHandle{}, err
	}
	if h.Queue == "" {
		h.Queue = s.name
	}
	s.metrics.RecordTaskScheduled(ctx, s.name, nil)
	s.logger.Info("task scheduled",
		slog.String(observability.KeyTask, h.Name),
		slog.String("queue", h.Queue),
		slog.String("url", d.URL),
		slog.Int("max_attempts", d.MaxAttempts),
	)
	return h, nil
}

func (s *Scheduler) fail(ctx context.Context, d Descriptor, err error) {
	s.metrics.RecordTaskScheduled(ctx, s.name, err)
	observability.LogDegraded(s.logger, "task_scheduling", err,
		slog.String("queue", s.name),
		slog.String("url", d.URL),
	)
}

// ScheduleDelayed runs url once after delay, with a small attempt budget.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, url string, payload any, delay time.Duration) (TaskHandle, error) {
	if delay == 0 {
		delay = DefaultDelay
	}
	policy := DefaultRetryPolicy
	policy.MaxAttempts = DelayedMaxAttempts
	return s.ScheduleTask(ctx, TaskSpec{URL: url, Payload: payload, Delay: delay, Retry: policy})
}

// ScheduleRetry runs url now with the default backoff and maxAttempts.
func (s *Scheduler) ScheduleRetry(ctx context.Context, url string, payload any, maxAttempts int) (TaskHandle, error) {
	policy := DefaultRetryPolicy
	if maxAttempts != 0 {
		policy.MaxAttempts = maxAttempts
	}
	return s.ScheduleTask(ctx, TaskSpec{URL: url, Payload: payload, Retry: policy})
}
