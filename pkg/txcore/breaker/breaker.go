// Package breaker provides a per-dependency circuit breaker.
//
// A Breaker counts consecutive failures of calls to one dependency. After
// FailureThreshold failures it opens and rejects every call without
// invoking the dependency. After ResetTimeout it admits exactly one trial
// call: success closes the breaker, failure reopens it.
//
//	b := breaker.New("crm", breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute})
//	customer, err := breaker.Call(ctx, b, fetchCustomer, cachedCustomer)
//
// # Design Influences
//
//   - Nygard, Release It!: CLOSED / OPEN / HALF_OPEN
//   - sony/gobreaker two-step Allow/done API
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// Defaults.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// State is a breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is wrapped by every rejection.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a Breaker. Zero fields take the defaults.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration

	// IsFailure decides whether a non-nil error counts against the
	// breaker. Rejected errors are neutral. The default counts every
	// error except context.Canceled.
	IsFailure func(error) bool

	// Now is the time source.
	Now func() time.Time

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(dependency string, from, to State)

	// OnReject is called for each rejected call, outside the lock.
	OnReject func(dependency string)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Dependency          string        `json:"dependency"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// Breaker guards one dependency. It is safe for concurrent use.
type Breaker struct {
	dependency string
	cfg        Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool   // a HALF_OPEN trial is in flight
	gen      uint64 // bumped on every transition; stale dones are ignored
}

// New creates a closed Breaker for dependency.
func New(dependency string, cfg Config) *Breaker {
	return &Breaker{dependency: dependency, cfg: cfg.withDefaults()}
}

// Dependency returns the guarded dependency id.
func (b *Breaker) Dependency() string {
	return b.dependency
}

type transition struct {
	from, to State
}

func (b *Breaker) setState(to State, out *[]transition) {
	if b.state == to {
		return
	}
	*out = append(*out, transition{from: b.state, to: to})
	b.state = to
	b.gen++
	b.trial = false
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if to == StateClosed {
		b.failures = 0
	}
}

func (b *Breaker) notify(ts []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		b.cfg.OnStateChange(b.dependency, t.from, t.to)
	}
}

// Allow asks to make one call. On success the caller must invoke done
// exactly once with the call's error. A rejection is a
// KindDependencyUnavailable error wrapping ErrOpen.
func (b *Breaker) Allow() (done func(error), err error) {
	var ts []transition
	b.mu.Lock()

	if b.state == StateOpen && !b.cfg.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		b.setState(StateHalfOpen, &ts)
	}

	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return nil, b.reject()
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			b.notify(ts)
			return nil, b.reject()
		}
		b.trial = true
	}
	gen := b.gen
	b.mu.Unlock()
	b.notify(ts)

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.record(gen, callErr) })
	}, nil
}

func (b *Breaker) reject() error {
	if b.cfg.OnReject != nil {
		b.cfg.OnReject(b.dependency)
	}
	return &txerrors.Error{
		Kind: txerrors.KindDependencyUnavailable,
		Op:   b.dependency,
		Err:  ErrOpen,
	}
}

func (b *Breaker) record(gen uint64, callErr error) {
	var ts []transition
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}

	// A non-nil error that IsFailure rejects is neutral: it neither
	// counts nor resets, and a neutral trial frees the slot for the next caller.
	succeeded := callErr == nil
	failed := !succeeded && b.cfg.IsFailure(callErr)
	switch b.state {
	case StateClosed:
		switch {
		case succeeded:
			b.failures = 0
		case failed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.setState(StateOpen, &ts)
			}
		}
	case StateHalfOpen:
		switch {
		case succeeded:
			b.setState(StateClosed, &ts)
		case failed:
			b.failures++
			b.setState(StateOpen, &ts)
		default:
			b.trial = false
		}
	}
	b.mu.Unlock()
	b.notify(ts)
}

// Execute runs fn under the breaker. It returns the rejection without
// calling fn when the breaker is open, otherwise fn's error.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	var callErr error
	defer func() {
		if r := recover(); r != nil {
			done(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		done(callErr)
	}()
	callErr = fn(ctx)
	return callErr
}

// State returns the current state, applying an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.cfg.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Dependency:          b.dependency,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		ResetTimeout:        b.cfg.ResetTimeout,
	}
	if b.state == StateOpen {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	var ts []transition
	b.mu.Lock()
	b.failures = 0
	b.setState(StateClosed, &ts)
	b.gen++
	b.mu.Unlock()
	b.notify(ts)
}
