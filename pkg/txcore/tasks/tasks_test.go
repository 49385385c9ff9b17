package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func TestRetryPolicy_Schedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, MinBackoff: 10 * time.Second, MaxBackoff: 300 * time.Second, MaxDoublings: 3}
	assert.Equal(t, []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
		160 * time.Second, 240 * time.Second, 300 * time.Second,
	}, p.Schedule())

	assert.Nil(t, RetryPolicy{MaxAttempts: 1}.Schedule())
}

func TestRetryPolicy_DefaultCapsAtMax(t *testing.T) {
	p := DefaultRetryPolicy
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 2048*time.Second, p.Backoff(11))
	assert.Equal(t, time.Hour, p.Backoff(12))
	assert.Equal(t, time.Hour, p.Backoff(40))
}

func TestRetryPolicy_BackoffNeverOverflows(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 100, MinBackoff: time.Second, MaxBackoff: time.Duration(math.MaxInt64), MaxDoublings: 80}
	for n := range 100 {
		d := p.Backoff(n)
		require.Positive(t, d, "attempt %d", n)
		if n > 0 {
			require.GreaterOrEqual(t, d, p.Backoff(n-1), "attempt %d", n)
		}
	}
	assert.Equal(t, p.MaxBackoff, p.Backoff(70))
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy.Validate())
	for name, p := range map[string]RetryPolicy{
		"no attempts":   {MaxAttempts: 0, MaxBackoff: time.Second},
		"min over max":  {MaxAttempts: 1, MinBackoff: time.Minute, MaxBackoff: time.Second},
		"negative":      {MaxAttempts: 1, MinBackoff: -time.Second},
		"neg doublings": {MaxAttempts: 1, MaxDoublings: -1},
	} {
		assert.ErrorIs(t, p.Validate(), txerrors.ErrValidation, name)
	}
}

func TestDescriptor_WireShape(t *testing.T) {
	d, err := describe(TaskSpec{
		URL:     "https://crm.internal/compensate",
		Payload: map[string]string{"booking_id": "b1"},
		Delay:   30 * time.Second,
	}, epoch)
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"url": "https://crm.internal/compensate",
		"method": "POST",
		"payload": {"booking_id": "b1"},
		"max_attempts": 5,
		"min_backoff": "1s",
		"max_backoff": "3600s",
		"max_doublings": 16,
		"dispatch_deadline": "300s",
		"schedule_time": "2025-06-01T12:00:30Z"
	}`, string(raw))

	var back Descriptor
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, DefaultRetryPolicy, back.Policy())
	assert.Equal(t, Duration(DefaultDispatchDeadline), back.DispatchDeadline)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "0.5s", Duration(500*time.Millisecond).String())
	d, err := ParseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = ParseDuration("soon")
	assert.Error(t, err)
}

func TestDescribe_Rejects(t *testing.T) {
	for name, spec := range map[string]TaskSpec{
		"relative url": {URL: "/compensate"},
		"ftp url":      {URL: "ftp://x/y"},
		"bad method":   {URL: "https://x/y", Method: "TRACE"},
		"bad policy":   {URL: "https://x/y", Retry: RetryPolicy{MaxAttempts: -1}},
		"neg delay":    {URL: "https://x/y", Delay: -time.Second},
		"bad payload":  {URL: "https://x/y", Payload: json.RawMessage(`{`)},
		"chan payload": {URL: "https://x/y", Payload: make(chan int)},
	} {
		_, err := describe(spec, epoch)
		assert.ErrorIs(t, err, txerrors.ErrValidation, name)
	}
}

func TestScheduler_ScheduleTask(t *testing.T) {
	q := NewMemoryQueue("compensations")
	s := NewScheduler(q, WithClock(fixedNow), WithQueueName("compensations"))

	at := epoch.Add(time.Hour)
	h, err := s.ScheduleTask(context.Background(), TaskSpec{
		Name: "refund-b1", URL: "https://pay/refund", Method: "put",
		ScheduleTime: at, Delay: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskHandle{Name: "refund-b1", Queue: "compensations", ScheduleTime: at}, h)

	sub := q.Submitted()
	require.Len(t, sub, 1)
	assert.Equal(t, "PUT", sub[0].Method)
	assert.Equal(t, at, *sub[0].ScheduleTime, "explicit time wins over delay")

	_, err = s.ScheduleTask(context.Background(), TaskSpec{Name: "refund-b1", URL: "https://pay/refund"})
	assert.ErrorIs(t, err, txerrors.ErrSchedulingFailure)
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestScheduler_SubmitFailureIsNotRetried(t *testing.T) {
	var logs bytes.Buffer
	q := NewMemoryQueue("q")
	q.FailWith(errors.New("queue unavailable"))
	s := NewScheduler(q, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_, err := s.ScheduleRetry(context.Background(), "https://x/y", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrSchedulingFailure)
	assert.ErrorContains(t, err, "queue unavailable")
	assert.Contains(t, logs.String(), "degraded=task_scheduling")

	q.FailWith(nil)
	assert.Empty(t, q.Submitted())
}

func TestScheduler_RateLimitFailsFast(t *testing.T) {
	q := NewMemoryQueue("q")
	s := NewScheduler(q, WithRateLimit(0.001, 2))
	ctx := context.Background()

	for range 2 {
		_, err := s.ScheduleRetry(ctx, "https://x/y", nil, 3)
		require.NoError(t, err)
	}
	_, err := s.ScheduleRetry(ctx, "https://x/y", nil, 3)
	assert.ErrorIs(t, err, txerrors.ErrSchedulingFailure)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, q.Submitted(), 2)
}

func TestScheduler_Helpers(t *testing.T) {
	q := NewMemoryQueue("q")
	s := NewScheduler(q, WithClock(fixedNow))
	ctx := context.Background()

	h, err := s.ScheduleDelayed(ctx, "https://x/delayed", map[string]int{"n": 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultDelay), h.ScheduleTime)

	_, err = s.ScheduleRetry(ctx, "https://x/retry", nil, 7)
	require.NoError(t, err)

	sub := q.Submitted()
	require.Len(t, sub, 2)
	assert.Equal(t, DelayedMaxAttempts, sub[0].MaxAttempts)
	assert.Equal(t, 7, sub[1].MaxAttempts)
	assert.Equal(t, Duration(time.Hour), sub[1].MaxBackoff)
	assert.Nil(t, sub[1].ScheduleTime)
}

func TestMemoryQueue_Due(t *testing.T) {
	q := NewMemoryQueue("q")
	s := NewScheduler(q, WithClock(fixedNow))
	ctx := context.Background()

	_, err := s.ScheduleTask(ctx, TaskSpec{Name: "late", URL: "https://x/y", Delay: time.Hour})
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, TaskSpec{Name: "soon", URL: "https://x/y", Delay: time.Minute})
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, TaskSpec{Name: "now", URL: "https://x/y"})
	require.NoError(t, err)

	due, err := q.Due(ctx, epoch.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "now", due[0].Name)
	assert.Equal(t, "soon", due[1].Name)

	require.NoError(t, q.Complete(ctx, "now"))
	due, err = q.Due(ctx, epoch.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "soon", due[0].Name)
}

// Requires a reachable Redis; set REDIS_ADDR to run.
func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "compensations").WithPrefix("txcore:test:" + uuid.NewString() + ":")
	s := NewScheduler(q, WithClock(fixedNow))
	ctx := context.Background()

	h, err := s.ScheduleTask(ctx, TaskSpec{Name: "t1", URL: "https://x/y", Delay: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "compensations", h.Queue)

	_, err = s.ScheduleTask(ctx, TaskSpec{Name: "t1", URL: "https://x/y"})
	assert.ErrorIs(t, err, ErrTaskExists)

	due, err := q.Due(ctx, epoch, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.Due(ctx, epoch.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "https://x/y", due[0].URL)

	require.NoError(t, q.Complete(ctx, "t1"))
	due, err = q.Due(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
