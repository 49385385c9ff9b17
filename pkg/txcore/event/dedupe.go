package event

import (
	"context"
	"time"

	"github.com/randalmurphal/txcore/pkg/txcore/idempotency"
)

// DedupeKey derives the idempotency key of an envelope.
type DedupeKey func(Envelope) string

// ContentKey keys an envelope by its full identity: type, version,
// tenant, correlation id, occurrence time and the canonical payload.
// A redelivery of the same message maps to the same key; two events that
// only share a correlation id do not.
func ContentKey(env Envelope) string {
	scope := env.TenantID + "\x00" + env.CorrelationID + "\x00" + env.OccurredAt.UTC().Format(TimeLayout)
	return "event:" + env.Type + ".v" + env.Version + ":" +
		idempotency.Fingerprint(env.Type+"/v"+env.Version, scope, env.Payload)
}

// Dedupe returns middleware that skips envelopes already handled within
// ttl. keyFn defaults to ContentKey; an empty key disables the check
// for that envelope. A duplicate whose first delivery is still running
// fails with a conflict, so it is nacked and redelivered later.
func Dedupe(store idempotency.Store, ttl time.Duration, keyFn DedupeKey) MiddlewareFunc {
	if keyFn == nil {
		keyFn = ContentKey
	}
	guard := idempotency.NewGuard(store, idempotency.WithTTL(ttl))
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env Envelope) error {
			_, _, err := guard.Do(ctx, keyFn(env), "", ttl, func(ctx context.Context) (idempotency.Response, error) {
				if err := next.Handle(ctx, env); err != nil {
					return idempotency.Response{}, err
				}
				return idempotency.Response{StatusCode: 200}, nil
			})
			return err
		})
	}
}
