package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies what went wrong.
type Kind string

// Error kinds.
const (
	// KindValidation: malformed envelope or request. Reject, never retry.
	KindValidation Kind = "validation_error"

	// KindDuplicateRequest: idempotency replay. Callers receive the cached
	// result; this kind is informational, not a failure.
	KindDuplicateRequest Kind = "duplicate_request"

	// KindConflict: another request holding the same idempotency key is
	// still in flight.
	KindConflict Kind = "conflict"

	// KindDependencyUnavailable: circuit open, the call was not attempted.
	KindDependencyUnavailable Kind = "dependency_unavailable"

	// KindStepFailure: a saga step failed and triggered compensation.
	KindStepFailure Kind = "step_failure"

	// KindDeliveryFailure: handler error or missing handler; the message
	// is nacked for broker redelivery.
	KindDeliveryFailure Kind = "delivery_failure"

	// KindSchedulingFailure: submission to an external task queue or
	// workflow executor failed.
	KindSchedulingFailure Kind = "scheduling_failure"

	// KindPublishFailure: publishing to the broker failed.
	KindPublishFailure Kind = "publish_failure"

	// KindInternal: anything else.
	KindInternal Kind = "internal_error"
)

// Category returns the handling category for the kind.
func (k Kind) Category() Category {
	switch k {
	case KindDependencyUnavailable, KindConflict, KindSchedulingFailure,
		KindPublishFailure, KindDeliveryFailure:
		return CategoryTransient
	case KindStepFailure:
		return CategoryHumanRequired
	default:
		return CategoryPermanent
	}
}

// HTTPStatus maps a kind to the status code returned to HTTP callers.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicateRequest:
		return http.StatusOK
	case KindConflict:
		return http.StatusConflict
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindSchedulingFailure, KindPublishFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a txcore error carrying a Kind.
//
// Two *Error values match under errors.Is when the target carries only a
// Kind, so the package sentinels work as kind tests:
//
//	if errors.Is(err, txerrors.ErrPublishFailure) { ... }
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kind-only sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Message != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrDuplicateRequest      = &Error{Kind: KindDuplicateRequest}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrStepFailure           = &Error{Kind: KindStepFailure}
	ErrDeliveryFailure       = &Error{Kind: KindDeliveryFailure}
	ErrSchedulingFailure     = &Error{Kind: KindSchedulingFailure}
	ErrPublishFailure        = &Error{Kind: KindPublishFailure}
)

// New creates an *Error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an *Error around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation creates a KindValidation error with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Response is the structured JSON body returned for failed requests.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ToResponse converts err into a status code and response body.
func ToResponse(err error) (int, Response) {
	kind := KindOf(err)
	status := HTTPStatus(kind)
	msg := "internal error"
	if err != nil && kind != KindInternal {
		msg = err.Error()
	}
	return status, Response{
		Error:   string(kind),
		Message: msg,
		Status:  status,
	}
}
