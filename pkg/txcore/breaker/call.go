package breaker

import (
	"context"
	"errors"
)

// Fallback produces the degraded result returned while a breaker is open.
// It receives the rejection error and must not panic.
type Fallback[T any] func(err error) T

// Call runs fn under b. While b is open, fn is not called and Call returns
// fallback's result with a nil error. A nil fallback returns the rejection
// instead. Errors from fn are returned as-is and counted by b.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error), fallback Fallback[T]) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil && IsOpen(err) && fallback != nil {
		return safeFallback(fallback, err), nil
	}
	return out, err
}

func safeFallback[T any](fallback Fallback[T], err error) (v T) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
		}
	}()
	return fallback(err)
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// FallbackResponse is the structured body returned instead of a
// dependency's response while its breaker is open.
type FallbackResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Status     string `json:"status"`
	Dependency string `json:"dependency,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// DefaultFallback returns a Fallback producing the standard unavailable
// response for dependency.
func DefaultFallback(dependency string) Fallback[FallbackResponse] {
	return func(err error) FallbackResponse {
		resp := FallbackResponse{
			Error:      "Service temporarily unavailable",
			Message:    "The service is currently unavailable. Please try again later.",
			Status:     "circuit_open",
			Dependency: dependency,
		}
		if err != nil {
			resp.Cause = err.Error()
		}
		return resp
	}
}
