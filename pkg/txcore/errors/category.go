// Package errors provides the error taxonomy and retry helpers shared by
// every txcore component.
//
// Errors are classified twice. A Kind says what went wrong and maps onto a
// stable HTTP status and response body. A Category says what the caller
// should do about it: retry, give up, or page someone.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category is the handling class of an error.
type Category int

const (
	// CategoryTransient: a later attempt may succeed (open circuit, broker
	// or task queue unreachable, 5xx from a step target, timeouts).
	CategoryTransient Category = iota

	// CategoryPermanent: the same input fails the same way (malformed
	// envelope, invalid saga, 4xx from a step target).
	CategoryPermanent

	// CategoryHumanRequired: state diverged and an operator has to look
	// (failed saga step, dead-lettered event).
	CategoryHumanRequired
)

var categoryNames = [...]string{
	CategoryTransient:     "transient",
	CategoryPermanent:     "permanent",
	CategoryHumanRequired: "human_required",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// StatusCoder is implemented by errors that carry a remote HTTP status,
// such as a saga step target's answer.
type StatusCoder interface {
	HTTPStatusCode() int
}

// CategoryForStatus classifies a remote HTTP status. Timeouts, throttling
// and server errors are transient; every other status is permanent.
func CategoryForStatus(code int) Category {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// RetryError is returned by Retry and WithRetryContext when they give up.
type RetryError struct {
	Err      error
	Category Category
	Attempts int
	Reason   string // "exhausted", "not retryable" or "cancelled"
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Categorize classifies err. Unrecognized errors are permanent so they are
// never retried blindly.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var re *RetryError
	if errors.As(err, &re) {
		return re.Category
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.Category()
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return CategoryForStatus(sc.HTTPStatusCode())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// NeedsHuman reports whether err calls for manual intervention.
func NeedsHuman(err error) bool {
	return Categorize(err) == CategoryHumanRequired
}
