// Package idempotency caches the response of a mutating request under a
// client-supplied key so that retries of the same request are answered from
// the cache instead of re-executing the handler.
//
// A Store holds the records. Guard implements the request protocol on top
// of a Store: reserve the key, run the handler once, record the result,
// and replay it for later requests carrying the same key. Middleware adapts
// Guard to net/http.
//
// # Design Influences
//
//   - Stripe-style Idempotency-Key headers on POST/PUT/PATCH
//   - In-flight reservation markers so that concurrent duplicates cannot
//     both execute
//   - Request fingerprints so that a key reused with a different body is
//     rejected instead of replayed
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is used when a caller passes ttl <= 0.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle state of a record.
type State string

const (
	// StateInFlight marks a key whose first request is still executing.
	StateInFlight State = "in_flight"

	// StateCompleted marks a key with a cached response.
	StateCompleted State = "completed"
)

// Record is one cached response.
type Record struct {
	Key         string    `json:"key"`
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"body,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically absent at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Completed reports whether the record carries a response.
func (r *Record) Completed() bool {
	return r.State == StateCompleted
}

func (r *Record) clone() *Record {
	c := *r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Store persists idempotency records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the live record for key, or nil when it is absent or
	// expired. Expired records are removed lazily.
	Get(ctx context.Context, key string) (*Record, error)

	// Set stores a completed response. An existing in-flight marker is
	// overwritten and its fingerprint kept.
	Set(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error

	// Delete removes key and reports whether a record existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Reserve atomically creates an in-flight marker when no live record
	// exists and returns (nil, true). Otherwise it returns the existing
	// record and false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error)

	// SweepExpired removes at most batch expired records and returns how
	// many were removed.
	SweepExpired(ctx context.Context, batch int) (int, error)
}

// Sentinel errors.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("idempotency store closed")

	// ErrEmptyKey is returned by stores for an empty key.
	ErrEmptyKey = errors.New("idempotency key is empty")
)

func effectiveTTL(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTTL
}

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	now        func() time.Time
	defaultTTL time.Duration
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDefaultTTL sets the TTL used when callers pass ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}
