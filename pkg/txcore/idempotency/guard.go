package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// Guard defaults.
const (
	DefaultInFlightTTL  = 5 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond
)

// Response is the cached result of a guarded handler.
type Response struct {
	StatusCode int
	Body       []byte
}

// Outcome reports how Guard.Do produced its response.
type Outcome int

const (
	// OutcomeBypass: no key was supplied; the handler ran unguarded.
	OutcomeBypass Outcome = iota

	// OutcomeExecuted: the handler ran under a fresh reservation.
	OutcomeExecuted

	// OutcomeReplayed: the cached response was returned without running
	// the handler.
	OutcomeReplayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBypass:
		return "bypass"
	case OutcomeExecuted:
		return "executed"
	case OutcomeReplayed:
		return "replayed"
	default:
		return "unknown"
	}
}

// Guard runs a handler at most once per idempotency key.
type Guard struct {
	store        Store
	ttl          time.Duration
	inFlightTTL  time.Duration
	wait         time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	now          func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTTL sets the TTL for completed records when Do is called with ttl <= 0.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) { g.ttl = ttl }
}

// WithInFlightTTL bounds how long a reservation survives a crashed handler.
func WithInFlightTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) { g.inFlightTTL = ttl }
}

// WithWaitForInFlight makes a duplicate caller poll for up to d for the
// first request to finish before giving up with a conflict.
func WithWaitForInFlight(d time.Duration) GuardOption {
	return func(g *Guard) { g.wait = d }
}

// WithPollInterval sets the in-flight poll interval.
func WithPollInterval(d time.Duration) GuardOption {
	return func(g *Guard) { g.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithGuardClock sets the time source for in-flight waits.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:        store,
		ttl:          DefaultTTL,
		inFlightTTL:  DefaultInFlightTTL,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store returns the underlying store.
func (g *Guard) Store() Store {
	return g.store
}

// Do runs fn once for key.
//
// A completed record with a matching fingerprint is replayed verbatim. A
// completed record with a different fingerprint yields a validation error.
// A record still in flight yields a conflict error once the optional wait
// expires. fn errors and 5xx responses release the key so a retry can run
// again. A failed store write is logged and the computed response returned.
func (g *Guard) Do(
	ctx context.Context,
	key, fingerprint string,
	ttl time.Duration,
	fn func(context.Context) (Response, error),
) (Response, Outcome, error) {
	if key == "" {
		resp, err := fn(ctx)
		return resp, OutcomeBypass, err
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	deadline := g.now().Add(g.wait)
	for {
		existing, reserved, err := g.store.Reserve(ctx, key, fingerprint, g.inFlightTTL)
		if err != nil {
			g.metrics.RecordIdempotency(ctx, observability.IdempotencyStoreFailed)
			observability.LogDegraded(g.logger, "idempotency_reserve", err,
				slog.String(observability.KeyIdempotencyKey, key))
			resp, ferr := fn(ctx)
			return resp, OutcomeExecuted, ferr
		}
		if reserved {
			g.metrics.RecordIdempotency(ctx, observability.IdempotencyMiss)
			return g.execute(ctx, key, ttl, fn)
		}
		if existing == nil {
			// Released between the insert attempt and the read; try again.
			continue
		}

		if existing.Completed() {
			if existing.Fingerprint != "" && fingerprint != "" && existing.Fingerprint != fingerprint {
				return Response{}, OutcomeReplayed, txerrors.New(txerrors.KindValidation, "idempotency",
					"idempotency key reused with a different payload")
			}
			g.metrics.RecordIdempotency(ctx, observability.IdempotencyHit)
			observability.LogReplay(g.logger, key, existing.StatusCode)
			return Response{StatusCode: existing.StatusCode, Body: existing.Body}, OutcomeReplayed, nil
		}

		if g.wait <= 0 || !g.now().Before(deadline) {
			g.metrics.RecordIdempotency(ctx, observability.IdempotencyConflict)
			return Response{}, OutcomeExecuted, txerrors.New(txerrors.KindConflict, "idempotency",
				"a request with this idempotency key is already in progress")
		}

		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, OutcomeExecuted, ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Guard) execute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fn func(context.Context) (Response, error),
) (resp Response, outcome Outcome, err error) {
	// Store writes must outlive a cancelled request context.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			g.release(bg, key)
			panic(r)
		}
	}()

	resp, err = fn(ctx)
	if err != nil || resp.StatusCode >= 500 {
		g.release(bg, key)
		return resp, OutcomeExecuted, err
	}

	if serr := g.store.Set(bg, key, resp.StatusCode, resp.Body, ttl); serr != nil {
		g.metrics.RecordIdempotency(ctx, observability.IdempotencyStoreFailed)
		observability.LogDegraded(g.logger, "idempotency_store_write", serr,
			slog.String(observability.KeyIdempotencyKey, key))
		// Free the key so retries execute instead of conflicting.
		g.release(bg, key)
		return resp, OutcomeExecuted, nil
	}
	g.metrics.RecordIdempotency(ctx, observability.IdempotencyStored)
	return resp, OutcomeExecuted, nil
}

func (g *Guard) release(ctx context.Context, key string) {
	if _, err := g.store.Delete(ctx, key); err != nil {
		observability.LogDegraded(g.logger, "idempotency_release", err,
			slog.String(observability.KeyIdempotencyKey, key))
	}
}

// Fingerprint digests a request. JSON bodies are canonicalized (RFC 8785)
// so that key order and whitespace do not change the digest; other bodies
// are hashed as raw bytes.
func Fingerprint(method, path string, body []byte) string {
	canon := body
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if c, err := jcs.Transform(trimmed); err == nil {
			canon = c
		}
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}
