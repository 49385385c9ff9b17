package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
)

// recordingCaller answers from a table keyed by URL and records every call.
type recordingCaller struct {
	mu      sync.Mutex
	calls   []saga.Target
	answers map[string]map[string]any
	fail    map[string]error
	block   map[string]chan struct{}
}

func newRecordingCaller() *recordingCaller {
	return &recordingCaller{
		answers: map[string]map[string]any{},
		fail:    map[string]error{},
		block:   map[string]chan struct{}{},
	}
}

func (c *recordingCaller) Call(ctx context.Context, t saga.Target) (map[string]any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, t)
	started, blocks := c.block[t.URL]
	err := c.fail[t.URL]
	out := c.answers[t.URL]
	c.mu.Unlock()

	if blocks {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (c *recordingCaller) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, t := range c.calls {
		out[i] = t.URL
	}
	return out
}

func (c *recordingCaller) call(i int) saga.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func threeSteps() []saga.Step {
	return []saga.Step{
		{Name: "a", Execute: target("https://a.internal/do", nil), Compensate: target("https://a.internal/undo", map[string]any{"id": "{{a_id}}"})},
		{Name: "b", Execute: target("https://b.internal/do", nil), Compensate: target("https://b.internal/undo", nil)},
		{Name: "c", Execute: target("https://c.internal/do", nil), Compensate: target("https://c.internal/undo", nil)},
	}
}

func run(t *testing.T, exec *saga.LocalExecutor, sagaID string, steps []saga.Step) saga.Status {
	t.Helper()
	h, err := exec.Submit(context.Background(), saga.Argument{SagaID: sagaID, Steps: steps})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := exec.Wait(ctx, h)
	require.NoError(t, err)
	return st
}

func statuses(st saga.Status) []saga.StepStatus {
	out := make([]saga.StepStatus, len(st.Result.Steps))
	for i, s := range st.Result.Steps {
		out[i] = s.Status
	}
	return out
}

func TestLocalExecutor_Success(t *testing.T) {
	caller := newRecordingCaller()
	caller.answers["https://bookings.internal/execute"] = map[string]any{"booking_id": "bk-1"}

	steps := []saga.Step{
		{
			Name:    "create_booking",
			Execute: target("https://bookings.internal/execute", map[string]any{"customer_id": "c-1"}),
		},
		{
			Name: "update_crm",
			Execute: target("https://crm.internal/bookings/{{booking_id}}", map[string]any{
				"booking_id": "{{booking_id}}",
				"nested":     "{{create_booking.booking_id}}",
				"saga":       "{{saga_id}}",
				"unknown":    "{{not_set}}",
			}),
		},
	}
	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	st := run(t, exec, "saga-ok", steps)
	assert.Equal(t, saga.StateSucceeded, st.State)
	assert.NotNil(t, st.EndTime)
	assert.Empty(t, st.Error)
	assert.Equal(t, saga.CompensationNone, st.Result.Compensation)
	assert.Equal(t, []saga.StepStatus{saga.StepExecuted, saga.StepExecuted}, statuses(st))
	assert.Equal(t, map[string]any{"booking_id": "bk-1"}, st.Result.Steps[0].Output)

	second := caller.call(1)
	assert.Equal(t, "https://crm.internal/bookings/bk-1", second.URL)
	assert.Equal(t, map[string]any{
		"booking_id": "bk-1",
		"nested":     "bk-1",
		"saga":       "saga-ok",
		"unknown":    "{{not_set}}",
	}, second.Payload)
}

func TestLocalExecutor_FailureCompensatesExecutedStepsInReverse(t *testing.T) {
	caller := newRecordingCaller()
	caller.answers["https://a.internal/do"] = map[string]any{"a_id": "A1"}
	caller.fail["https://c.internal/do"] = errors.New("503 from c")

	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	st := run(t, exec, "saga-fail", threeSteps())
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Contains(t, st.Error, "503 from c")
	assert.Equal(t, saga.CompensationCompleted, st.Result.Compensation)
	assert.Empty(t, st.Result.CompensationErrors)
	assert.Equal(t, []saga.StepStatus{saga.StepCompensated, saga.StepCompensated, saga.StepFailed}, statuses(st))
	assert.Equal(t, "503 from c", st.Result.Steps[2].Error)

	assert.Equal(t, []string{
		"https://a.internal/do",
		"https://b.internal/do",
		"https://c.internal/do",
		"https://b.internal/undo",
		"https://a.internal/undo",
	}, caller.urls())
	assert.Equal(t, map[string]any{"id": "A1"}, caller.call(4).Payload)
}

func TestLocalExecutor_StepErrorKind(t *testing.T) {
	caller := newRecordingCaller()
	caller.fail["https://a.internal/do"] = errors.New("boom")
	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	st := run(t, exec, "saga-first", threeSteps())
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Contains(t, st.Error, string(txerrors.KindStepFailure))
	assert.Equal(t, saga.CompensationNone, st.Result.Compensation, "nothing executed, nothing to undo")
	assert.Equal(t, []string{"https://a.internal/do"}, caller.urls())
}

func TestLocalExecutor_PartialCompensation(t *testing.T) {
	caller := newRecordingCaller()
	caller.fail["https://c.internal/do"] = errors.New("c down")
	caller.fail["https://b.internal/undo"] = errors.New("b undo down")

	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	st := run(t, exec, "saga-partial", threeSteps())
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Equal(t, saga.CompensationPartial, st.Result.Compensation)
	require.Len(t, st.Result.CompensationErrors, 1)
	assert.Contains(t, st.Result.CompensationErrors[0], "b: b undo down")
	assert.Equal(t, []saga.StepStatus{saga.StepCompensated, saga.StepExecuted, saga.StepFailed}, statuses(st))
	assert.Contains(t, caller.urls(), "https://a.internal/undo", "later failures do not stop earlier compensation")
}

func TestLocalExecutor_SkipsStepsWithoutCompensation(t *testing.T) {
	caller := newRecordingCaller()
	caller.fail["https://c.internal/do"] = errors.New("c down")
	steps := threeSteps()
	steps[1].Compensate = saga.Target{}

	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	st := run(t, exec, "saga-skip", steps)
	assert.Equal(t, saga.CompensationCompleted, st.Result.Compensation)
	assert.Equal(t, []saga.StepStatus{saga.StepCompensated, saga.StepExecuted, saga.StepFailed}, statuses(st))
	assert.NotContains(t, caller.urls(), "https://b.internal/undo")
}

func TestLocalExecutor_Cancel(t *testing.T) {
	caller := newRecordingCaller()
	started := make(chan struct{})
	caller.block["https://b.internal/do"] = started

	exec := saga.NewLocalExecutor(caller)
	defer exec.Close()

	ctx := context.Background()
	h, err := exec.Submit(ctx, saga.Argument{SagaID: "saga-cancel", Steps: threeSteps()})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step b never started")
	}
	st, err := exec.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, saga.StateActive, st.State)

	require.NoError(t, exec.Cancel(ctx, h))
	st, err = exec.Wait(ctx, h)
	require.NoError(t, err)

	assert.Equal(t, saga.StateCancelled, st.State)
	assert.Equal(t, saga.CompensationCompleted, st.Result.Compensation)
	assert.Equal(t, []saga.StepStatus{saga.StepCompensated, saga.StepPending, saga.StepPending}, statuses(st))
	assert.Contains(t, caller.urls(), "https://a.internal/undo")

	assert.ErrorIs(t, exec.Cancel(ctx, h), saga.ErrNotRunning)
	assert.ErrorIs(t, exec.Cancel(ctx, "sagas/x/executions/missing"), saga.ErrExecutionNotFound)
}

func TestLocalExecutor_CompensationThroughScheduler(t *testing.T) {
	caller := newRecordingCaller()
	caller.answers["https://a.internal/do"] = map[string]any{"a_id": "A9"}
	caller.fail["https://b.internal/do"] = errors.New("b down")

	queue := tasks.NewMemoryQueue("compensations")
	exec := saga.NewLocalExecutor(caller,
		saga.WithCompensationScheduler(tasks.NewScheduler(queue, tasks.WithQueueName("compensations"))))
	defer exec.Close()

	st := run(t, exec, "saga-sched", threeSteps())
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Equal(t, saga.CompensationCompleted, st.Result.Compensation)
	assert.NotContains(t, caller.urls(), "https://a.internal/undo")

	submitted := queue.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "https://a.internal/undo", submitted[0].URL)
	assert.Equal(t, tasks.DefaultRetryPolicy.MaxAttempts, submitted[0].MaxAttempts)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(submitted[0].Payload, &payload))
	assert.Equal(t, map[string]any{"id": "A9"}, payload)
}

func TestLocalExecutor_StepTimeout(t *testing.T) {
	slow := saga.StepCallerFunc(func(ctx context.Context, _ saga.Target) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec := saga.NewLocalExecutor(slow, saga.WithStepTimeout(10*time.Millisecond))
	defer exec.Close()

	st := run(t, exec, "saga-timeout", threeSteps()[:1])
	assert.Equal(t, saga.StateFailed, st.State)
	assert.Contains(t, st.Error, "deadline exceeded")
}

func TestLocalExecutor_SubmitValidates(t *testing.T) {
	exec := saga.NewLocalExecutor(newRecordingCaller())
	defer exec.Close()
	_, err := exec.Submit(context.Background(), saga.Argument{SagaID: "s"})
	assert.ErrorIs(t, err, txerrors.ErrValidation)
}

func TestLocalExecutor_WithOrchestrator(t *testing.T) {
	caller := newRecordingCaller()
	store, err := saga.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	exec := saga.NewLocalExecutor(caller, saga.WithStore(store))
	defer exec.Close()
	orch := saga.NewOrchestrator(exec)

	h, err := orch.ExecuteSaga(context.Background(), "", threeSteps())
	require.NoError(t, err)
	_, err = exec.Wait(context.Background(), h)
	require.NoError(t, err)

	st, err := orch.GetExecutionStatus(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, saga.StateSucceeded, st.State)
	assert.NotEmpty(t, st.Result.SagaID)

	list, err := store.List(context.Background(), &saga.ListFilter{State: saga.StateSucceeded})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
