package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
	"github.com/randalmurphal/txcore/pkg/txcore/template"
)

// DefaultStepTimeout bounds one step call.
const DefaultStepTimeout = 30 * time.Second

// ErrNotRunning is returned when cancelling a finished execution.
var ErrNotRunning = errors.New("execution is not running")

// StepCaller performs one target call and returns the JSON object the
// target answered with.
type StepCaller interface {
	Call(ctx context.Context, t Target) (map[string]any, error)
}

// StepCallerFunc adapts a function to StepCaller.
type StepCallerFunc func(ctx context.Context, t Target) (map[string]any, error)

func (f StepCallerFunc) Call(ctx context.Context, t Target) (map[string]any, error) {
	return f(ctx, t)
}

// LocalExecutor runs sagas in goroutines of the current process.
//
// Each step's output is merged into the variables used to resolve later
// placeholders, both flat and under the step name, so "{{booking_id}}" and
// "{{create_booking.booking_id}}" both work. The saga id is available as
// "{{saga_id}}".
type LocalExecutor struct {
	caller      StepCaller
	store       ExecutionStore
	scheduler   *tasks.Scheduler
	stepTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	running map[Handle]*run
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Executor = (*LocalExecutor)(nil)

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithStore replaces the default MemoryStore.
func WithStore(s ExecutionStore) LocalOption {
	return func(e *LocalExecutor) { e.store = s }
}

// WithCompensationScheduler hands compensations to a task queue instead
// of calling them directly. A compensation counts as done once scheduled.
func WithCompensationScheduler(s *tasks.Scheduler) LocalOption {
	return func(e *LocalExecutor) { e.scheduler = s }
}

// WithStepTimeout bounds each step and compensation call.
func WithStepTimeout(d time.Duration) LocalOption {
	return func(e *LocalExecutor) { e.stepTimeout = d }
}

// WithExecutorClock sets the time source for execution timestamps.
func WithExecutorClock(now func() time.Time) LocalOption {
	return func(e *LocalExecutor) { e.now = now }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l *slog.Logger) LocalOption {
	return func(e *LocalExecutor) { e.logger = l }
}

// NewLocalExecutor creates an executor calling steps through caller.
func NewLocalExecutor(caller StepCaller, opts ...LocalOption) *LocalExecutor {
	e := &LocalExecutor{
		caller:      caller,
		store:       NewMemoryStore(),
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
		running:     make(map[Handle]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = observability.OrDefault(e.logger)
	return e
}

// Store returns the execution store.
func (e *LocalExecutor) Store() ExecutionStore { return e.store }

// Submit records the execution and starts it. The run is detached from
// ctx; use Cancel to stop it.
func (e *LocalExecutor) Submit(ctx context.Context, arg Argument) (Handle, error) {
	if err := validateSteps(arg.Steps); err != nil {
		return "", err
	}
	h := Handle(fmt.Sprintf("sagas/%s/executions/%s", arg.SagaID, uuid.NewString()))
	exec := &Execution{
		Handle:    h,
		SagaID:    arg.SagaID,
		State:     StateActive,
		Steps:     append([]Step(nil), arg.Steps...),
		Results:   make([]StepResult, len(arg.Steps)),
		StartTime: e.now().UTC(),
	}
	for i, s := range arg.Steps {
		exec.Results[i] = StepResult{Name: s.Name, Status: StepPending}
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("record execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[h] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer cancel()
		e.execute(runCtx, exec)
		e.mu.Lock()
		delete(e.running, h)
		e.mu.Unlock()
	}()
	return h, nil
}

// Status implements Executor.
func (e *LocalExecutor) Status(ctx context.Context, h Handle) (Status, error) {
	exec, err := e.store.Get(ctx, h)
	if err != nil {
		return Status{}, err
	}
	return exec.Status(), nil
}

// Cancel stops a running execution. Executed steps are compensated.
func (e *LocalExecutor) Cancel(ctx context.Context, h Handle) error {
	e.mu.Lock()
	r, ok := e.running[h]
	e.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}
	if _, err := e.store.Get(ctx, h); err != nil {
		return err
	}
	return ErrNotRunning
}

// Wait blocks until h finishes or ctx ends, then returns its status.
func (e *LocalExecutor) Wait(ctx context.Context, h Handle) (Status, error) {
	e.mu.Lock()
	r, ok := e.running[h]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	return e.Status(ctx, h)
}

// Close cancels every running execution and waits for compensation.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	for _, r := range e.running {
		r.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *LocalExecutor) save(ctx context.Context, exec *Execution) {
	if err := e.store.Update(context.WithoutCancel(ctx), exec); err != nil {
		observability.LogDegraded(e.logger, "saga_execution_store", err,
			slog.String(observability.KeyExecution, string(exec.Handle)))
	}
}

func (e *LocalExecutor) execute(ctx context.Context, exec *Execution) {
	vars := map[string]any{"saga_id": exec.SagaID}

	for i, step := range exec.Steps {
		if ctx.Err() != nil {
			e.rollback(ctx, exec, vars, StateCancelled, "execution cancelled")
			return
		}

		out, err := e.call(ctx, resolveTarget(step.Execute, vars))
		if err != nil {
			if ctx.Err() != nil {
				e.rollback(ctx, exec, vars, StateCancelled, "execution cancelled")
				return
			}
			stepErr := &txerrors.Error{Kind: txerrors.KindStepFailure, Op: step.Name, Err: err}
			exec.Results[i].Status = StepFailed
			exec.Results[i].Error = err.Error()
			e.logger.Error("saga step failed",
				slog.String(observability.KeySagaID, exec.SagaID),
				slog.String("step", step.Name),
				slog.String(observability.KeyError, err.Error()),
			)
			e.rollback(ctx, exec, vars, StateFailed, stepErr.Error())
			return
		}

		exec.Results[i].Status = StepExecuted
		exec.Results[i].Output = out
		maps.Copy(vars, out)
		vars[step.Name] = out
		e.save(ctx, exec)

		e.logger.Debug("saga step executed",
			slog.String(observability.KeySagaID, exec.SagaID),
			slog.String("step", step.Name),
		)
	}

	end := e.now().UTC()
	exec.State = StateSucceeded
	exec.EndTime = &end
	e.save(ctx, exec)
	e.logger.Info("saga completed",
		slog.String(observability.KeySagaID, exec.SagaID),
		slog.String(observability.KeyExecution, string(exec.Handle)),
	)
}

func (e *LocalExecutor) call(ctx context.Context, t Target) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	return e.caller.Call(callCtx, t)
}

// rollback compensates executed steps newest first. Compensation runs to
// completion even when the execution was cancelled.
func (e *LocalExecutor) rollback(ctx context.Context, exec *Execution, vars map[string]any, state State, reason string) {
	compCtx := context.WithoutCancel(ctx)
	order := CompensationOrder(exec.Statuses())

	if len(order) > 0 {
		e.logger.Info("starting saga compensation",
			slog.String(observability.KeySagaID, exec.SagaID),
			slog.Int("steps", len(order)),
			slog.String("reason", reason),
		)
	}

	var errs []string
	for _, i := range order {
		step := exec.Steps[i]
		if step.Compensate.IsZero() {
			continue
		}
		target := resolveTarget(step.Compensate, vars)
		if err := e.compensate(compCtx, target); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", step.Name, err))
			e.logger.Error("saga compensation failed",
				slog.String(observability.KeySagaID, exec.SagaID),
				slog.String("step", step.Name),
				slog.String(observability.KeyError, err.Error()),
			)
			continue
		}
		exec.Results[i].Status = StepCompensated
	}

	end := e.now().UTC()
	exec.State = state
	exec.Error = reason
	exec.EndTime = &end
	exec.CompensationErrors = errs
	switch {
	case len(errs) > 0:
		exec.Compensation = CompensationPartial
	case len(order) > 0:
		exec.Compensation = CompensationCompleted
	}
	e.save(compCtx, exec)

	e.logger.Info("saga finished",
		slog.String(observability.KeySagaID, exec.SagaID),
		slog.String("state", string(state)),
		slog.String("compensation", string(exec.Compensation)),
	)
}

func (e *LocalExecutor) compensate(ctx context.Context, t Target) error {
	if e.scheduler != nil {
		_, err := e.scheduler.ScheduleRetry(ctx, t.URL, t.Payload, 0)
		return err
	}
	_, err := e.call(ctx, t)
	return err
}

func resolveTarget(t Target, vars map[string]any) Target {
	out := Target{Payload: template.Resolve(t.Payload, vars)}
	if u, ok := template.Resolve(map[string]any{"url": t.URL}, vars)["url"].(string); ok {
		out.URL = u
	} else {
		out.URL = t.URL
	}
	return out
}
