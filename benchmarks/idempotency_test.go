package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/randalmurphal/txcore/pkg/txcore/idempotency"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

func okResponse(context.Context) (idempotency.Response, error) {
	return idempotency.Response{StatusCode: 201, Body: []byte(`{"booking_id":"bk-1"}`)}, nil
}

// BenchmarkGuard_Miss runs a fresh key through the guard every iteration.
func BenchmarkGuard_Miss(b *testing.B) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithMetrics(observability.NoopMetrics{}))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = guard.Do(ctx, fmt.Sprintf("key-%d", i), "fp", 0, okResponse)
	}
}

// BenchmarkGuard_Replay replays one stored key.
func BenchmarkGuard_Replay(b *testing.B) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithMetrics(observability.NoopMetrics{}))
	ctx := context.Background()
	_, _, _ = guard.Do(ctx, "key", "fp", 0, okResponse)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = guard.Do(ctx, "key", "fp", 0, okResponse)
	}
}

// BenchmarkGuard_ReplayParallel replays one key from many goroutines.
func BenchmarkGuard_ReplayParallel(b *testing.B) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithMetrics(observability.NoopMetrics{}))
	ctx := context.Background()
	_, _, _ = guard.Do(ctx, "key", "fp", 0, okResponse)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = guard.Do(ctx, "key", "fp", 0, okResponse)
		}
	})
}

// BenchmarkFingerprint_JSON canonicalizes and hashes a booking body.
func BenchmarkFingerprint_JSON(b *testing.B) {
	body := []byte(`{"service_id":"svc-9","customer_name":"Ada","date":"2025-08-07","time":"14:30","amount":"75.50"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idempotency.Fingerprint("POST", "/bookings", body)
	}
}
