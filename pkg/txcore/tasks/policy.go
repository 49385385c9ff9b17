package tasks

import (
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// RetryPolicy describes how the external queue retries a task. The
// scheduler never applies it locally.
type RetryPolicy struct {
	MaxAttempts  int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	MaxDoublings int
}

// DefaultRetryPolicy is used when a spec leaves the policy empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	MinBackoff:   time.Second,
	MaxBackoff:   3600 * time.Second,
	MaxDoublings: 16,
}

// IsZero reports whether no field is set.
func (p RetryPolicy) IsZero() bool {
	return p == RetryPolicy{}
}

// Validate checks the policy is usable.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return txerrors.Validation("tasks.RetryPolicy", "max_attempts must be >= 1, got %d", p.MaxAttempts)
	case p.MinBackoff < 0 || p.MaxBackoff < 0:
		return txerrors.Validation("tasks.RetryPolicy", "backoff must not be negative")
	case p.MinBackoff > p.MaxBackoff:
		return txerrors.Validation("tasks.RetryPolicy", "min_backoff %s exceeds max_backoff %s", p.MinBackoff, p.MaxBackoff)
	case p.MaxDoublings < 0:
		return txerrors.Validation("tasks.RetryPolicy", "max_doublings must not be negative")
	}
	return nil
}

// Backoff returns the wait before retry n, counting from 0. The interval
// doubles from MinBackoff MaxDoublings times, then grows linearly by the
// last doubled interval, capped at MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 || p.MinBackoff <= 0 {
		return p.MinBackoff
	}
	step := p.MinBackoff
	for i := 0; i < min(n, p.MaxDoublings); i++ {
		if step > p.MaxBackoff/2 {
			return p.MaxBackoff
		}
		step *= 2
	}
	if step >= p.MaxBackoff {
		return p.MaxBackoff
	}
	if n <= p.MaxDoublings {
		return step
	}
	linear := step * time.Duration(n-p.MaxDoublings+1)
	if linear >= p.MaxBackoff || linear/step != time.Duration(n-p.MaxDoublings+1) {
		return p.MaxBackoff
	}
	return linear
}

// Schedule lists the waits between attempts: MaxAttempts-1 entries.
func (p RetryPolicy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	for i := range out {
		out[i] = p.Backoff(i)
	}
	return out
}
