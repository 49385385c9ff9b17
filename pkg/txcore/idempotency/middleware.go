package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// Header names.
const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// DefaultMaxBodyBytes bounds request bodies read for fingerprinting.
const DefaultMaxBodyBytes = 1 << 20

// ErrBodyTooLarge marks a request body over the fingerprint limit.
var ErrBodyTooLarge = errors.New("request body too large")

// ReadBody reads all of r, failing with a KindValidation error wrapping
// ErrBodyTooLarge when it holds more than limit bytes.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, txerrors.Validation("idempotency", "read request body: %v", err)
	}
	if int64(len(body)) > limit {
		return nil, &txerrors.Error{
			Kind:    txerrors.KindValidation,
			Op:      "idempotency",
			Message: fmt.Sprintf("request body exceeds %d bytes", limit),
			Err:     ErrBodyTooLarge,
		}
	}
	return body, nil
}

// ErrorResponse is txerrors.ToResponse with oversized bodies mapped to 413.
func ErrorResponse(err error) (int, txerrors.Response) {
	status, body := txerrors.ToResponse(err)
	if errors.Is(err, ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
		body.Status = status
	}
	return status, body
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// TTL overrides the guard TTL for this endpoint. Zero uses the guard
	// default.
	TTL time.Duration

	// MaxBodyBytes bounds the request body read for fingerprinting.
	// Zero means 1 MiB.
	MaxBodyBytes int64
}

// Eligible reports whether a request method participates in idempotency.
func Eligible(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

// capture records the response while also writing it through.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (c *capture) WriteHeader(code int) {
	if !c.wrote {
		c.status = code
		c.wrote = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	if !c.wrote {
		c.status = http.StatusOK
		c.wrote = true
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// Middleware guards POST/PUT/PATCH requests carrying an Idempotency-Key
// header. Replays are written with Idempotent-Replayed: true.
func Middleware(guard *Guard, opts MiddlewareOptions) func(http.Handler) http.Handler {
	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || !Eligible(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := ReadBody(r.Body, limit)
			if err != nil {
				writeError(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := Fingerprint(r.Method, r.URL.Path, body)

			var cw *capture
			resp, outcome, err := guard.Do(r.Context(), key, fp, opts.TTL, func(ctx context.Context) (Response, error) {
				cw = &capture{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(cw, r.WithContext(ctx))
				return Response{StatusCode: cw.status, Body: cw.body.Bytes()}, nil
			})
			if err != nil {
				if cw == nil {
					writeError(w, err)
				}
				return
			}
			if outcome == OutcomeReplayed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(resp.StatusCode)
				_, _ = w.Write(resp.Body)
			}
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := ErrorResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
