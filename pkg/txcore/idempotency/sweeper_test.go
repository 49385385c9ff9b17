package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweepStore struct {
	*MemoryStore
	calls chan int
	err   error
}

func (s *countingSweepStore) SweepExpired(ctx context.Context, batch int) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.MemoryStore.SweepExpired(ctx, batch)
	select {
	case s.calls <- n:
	default:
	}
	return n, err
}

func TestSweeper_SweepOnceDrainsInBatches(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, store.Set(ctx, string(rune('a'+i)), 200, nil, time.Minute))
	}
	clock.Advance(time.Hour)

	s := NewSweeper(store, WithBatch(3))
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Zero(t, store.Len())
}

func TestSweeper_StartStop(t *testing.T) {
	clock := newFakeClock()
	store := &countingSweepStore{MemoryStore: NewMemoryStore(WithClock(clock.Now)), calls: make(chan int, 16)}
	require.NoError(t, store.Set(context.Background(), "old", 200, nil, time.Second))
	clock.Advance(time.Minute)

	s := NewSweeper(store, WithInterval(5*time.Millisecond))
	s.Start(context.Background())
	s.Start(context.Background()) // no-op while running

	select {
	case n := <-store.calls:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run")
	}

	s.Stop()
	s.Stop() // idempotent
	assert.Zero(t, store.Len())
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	s := NewSweeper(NewMemoryStore(), WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		<-s.done
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not exit on cancel")
	}
	s.Stop()
}

func TestSweeper_ErrorStopsBatch(t *testing.T) {
	store := &countingSweepStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	_, err := NewSweeper(store).SweepOnce(context.Background())
	assert.EqualError(t, err, "db down")
}
