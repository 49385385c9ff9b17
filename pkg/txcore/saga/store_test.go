package saga_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/txcore/pkg/txcore/saga"
)

func storeBackends(t *testing.T) map[string]saga.ExecutionStore {
	t.Helper()
	sqlite, err := saga.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]saga.ExecutionStore{
		"memory": saga.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newExecution(h, sagaID string, start time.Time, state saga.State) *saga.Execution {
	return &saga.Execution{
		Handle:    saga.Handle(h),
		SagaID:    sagaID,
		State:     state,
		Steps:     []saga.Step{{Name: "a", Execute: target("https://a.internal/do", map[string]any{"k": "v"})}},
		Results:   []saga.StepResult{{Name: "a", Status: saga.StepPending}},
		StartTime: start,
	}
}

func TestExecutionStores(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e := newExecution("h1", "saga-1", base, saga.StateActive)
			require.NoError(t, store.Create(ctx, e))
			assert.Error(t, store.Create(ctx, e), "duplicate handle")
			assert.Error(t, store.Create(ctx, &saga.Execution{}), "empty handle")

			got, err := store.Get(ctx, "h1")
			require.NoError(t, err)
			assert.Equal(t, "saga-1", got.SagaID)
			assert.Equal(t, "https://a.internal/do", got.Steps[0].Execute.URL)
			assert.True(t, got.StartTime.Equal(base))

			end := base.Add(time.Minute)
			e.State = saga.StateFailed
			e.EndTime = &end
			e.Results[0] = saga.StepResult{Name: "a", Status: saga.StepFailed, Error: "boom"}
			e.Compensation = saga.CompensationPartial
			e.CompensationErrors = []string{"a: undo failed"}
			require.NoError(t, store.Update(ctx, e))

			got, err = store.Get(ctx, "h1")
			require.NoError(t, err)
			assert.Equal(t, saga.StateFailed, got.State)
			require.NotNil(t, got.EndTime)
			assert.True(t, got.EndTime.Equal(end))
			assert.Equal(t, "boom", got.Results[0].Error)
			assert.Equal(t, []string{"a: undo failed"}, got.CompensationErrors)

			assert.ErrorIs(t, store.Update(ctx, newExecution("missing", "x", base, saga.StateActive)), saga.ErrExecutionNotFound)
			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, saga.ErrExecutionNotFound)

			require.NoError(t, store.Delete(ctx, "h1"))
			assert.ErrorIs(t, store.Delete(ctx, "h1"), saga.ErrExecutionNotFound)
		})
	}
}

func TestExecutionStores_List(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 4; i >= 0; i-- {
				state := saga.StateSucceeded
				if i%2 == 1 {
					state = saga.StateFailed
				}
				sagaID := "saga-a"
				if i == 4 {
					sagaID = "saga-b"
				}
				e := newExecution(fmt.Sprintf("h%d", i), sagaID, base.Add(time.Duration(i)*time.Second), state)
				require.NoError(t, store.Create(ctx, e))
			}

			all, err := store.List(ctx, nil)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, saga.Handle("h0"), all[0].Handle, "oldest first")
			assert.Equal(t, saga.Handle("h4"), all[4].Handle)

			failed, err := store.List(ctx, &saga.ListFilter{State: saga.StateFailed})
			require.NoError(t, err)
			assert.Len(t, failed, 2)

			bySaga, err := store.List(ctx, &saga.ListFilter{SagaID: "saga-b"})
			require.NoError(t, err)
			require.Len(t, bySaga, 1)
			assert.Equal(t, saga.Handle("h4"), bySaga[0].Handle)

			page, err := store.List(ctx, &saga.ListFilter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, saga.Handle("h1"), page[0].Handle)

			empty, err := store.List(ctx, &saga.ListFilter{Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestSQLiteStore_Closed(t *testing.T) {
	store, err := saga.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get(context.Background(), "h")
	assert.ErrorIs(t, err, saga.ErrStoreClosed)
}
