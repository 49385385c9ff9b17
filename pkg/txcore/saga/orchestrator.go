package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// Handle is the opaque execution name returned by an Executor.
type Handle string

// State is the lifecycle state of an execution.
type State string

const (
	StateActive    State = "ACTIVE"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Compensation summarizes a rollback.
type Compensation string

const (
	CompensationNone      Compensation = ""
	CompensationCompleted Compensation = "completed"
	CompensationPartial   Compensation = "partial"
)

// Result is the executor's report on an execution.
type Result struct {
	SagaID             string       `json:"saga_id"`
	Steps              []StepResult `json:"steps"`
	Compensation       Compensation `json:"compensation,omitempty"`
	CompensationErrors []string     `json:"compensation_errors,omitempty"`
}

// Status is a polled snapshot of an execution.
type Status struct {
	Handle    Handle     `json:"execution"`
	State     State      `json:"state"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Executor runs submitted sagas. Submit must return once the argument is
// accepted, without waiting for any step.
type Executor interface {
	Submit(ctx context.Context, arg Argument) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
}

// Orchestrator validates sagas and hands them to an Executor.
type Orchestrator struct {
	exec    Executor
	newID   func() string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the recorder for submission outcomes.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSpans sets the span manager for submissions.
func WithSpans(s observability.SpanManager) Option {
	return func(o *Orchestrator) { o.spans = s }
}

// WithIDGenerator replaces uuid.NewString for saga ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator creates an Orchestrator over exec.
func NewOrchestrator(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:    exec,
		newID:   uuid.NewString,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = observability.OrDefault(o.logger)
	return o
}

// ExecuteSaga submits steps once under sagaID, generating the id when
// empty. Steps are submitted in the given order, compensations included.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, sagaID string, steps []Step) (Handle, error) {
	const op = "saga.ExecuteSaga"
	if err := validateSteps(steps); err != nil {
		return "", err
	}
	if sagaID == "" {
		sagaID = o.newID()
	}
	arg := Argument{SagaID: sagaID, Steps: append([]Step(nil), steps...)}

	ctx, span := o.spans.StartSagaSpan(ctx, sagaID, len(steps))
	h, err := o.exec.Submit(ctx, arg)
	o.spans.EndSpanWithError(span, err)
	o.metrics.RecordSagaSubmission(ctx, err)
	if err != nil {
		o.logger.Error("saga submission failed",
			slog.String(observability.KeySagaID, sagaID),
			slog.String(observability.KeyError, err.Error()),
		)
		return "", &txerrors.Error{Kind: txerrors.KindSchedulingFailure, Op: op, Err: err}
	}
	observability.LogSagaSubmitted(o.logger, sagaID, string(h), len(steps))
	return h, nil
}

// Execute submits a built definition.
func (o *Orchestrator) Execute(ctx context.Context, def Definition) (Handle, error) {
	return o.ExecuteSaga(ctx, def.SagaID, def.Steps)
}

// GetExecutionStatus polls the executor.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, h Handle) (Status, error) {
	st, err := o.exec.Status(ctx, h)
	if err != nil {
		o.logger.Error("failed to get execution status",
			slog.String(observability.KeyExecution, string(h)),
			slog.String(observability.KeyError, err.Error()),
		)
		return Status{}, err
	}
	return st, nil
}

// CancelExecution asks the executor to stop h. It reports false, after
// logging, when the request could not be made.
func (o *Orchestrator) CancelExecution(ctx context.Context, h Handle) bool {
	if err := o.exec.Cancel(ctx, h); err != nil {
		o.logger.Error("failed to cancel execution",
			slog.String(observability.KeyExecution, string(h)),
			slog.String(observability.KeyError, err.Error()),
		)
		return false
	}
	o.logger.Info("cancelled execution", slog.String(observability.KeyExecution, string(h)))
	return true
}
