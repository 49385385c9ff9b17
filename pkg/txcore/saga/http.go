package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/randalmurphal/txcore/pkg/txcore/breaker"
	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

const maxResponseBody = 1 << 20

// StatusError is a non-2xx answer from a step target.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

// HTTPStatusCode lets errors.Categorize classify the answer.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// HTTPCaller posts step payloads as JSON. Calls to one host share a
// breaker from the registry; 4xx answers are step errors but do not count
// against the host.
type HTTPCaller struct {
	client   *http.Client
	breakers *breaker.Registry
}

var _ StepCaller = (*HTTPCaller)(nil)

// NewHTTPCaller returns a caller using client, or a client with a 30s
// timeout when nil. A nil registry disables breaking.
func NewHTTPCaller(client *http.Client, breakers *breaker.Registry) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: DefaultStepTimeout}
	}
	return &HTTPCaller{client: client, breakers: breakers}
}

// Call implements StepCaller.
func (c *HTTPCaller) Call(ctx context.Context, t Target) (map[string]any, error) {
	const op = "saga.HTTPCaller"
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, &txerrors.Error{Kind: txerrors.KindStepFailure, Op: op, Err: err}
	}
	if c.breakers == nil {
		out, err := c.post(ctx, t)
		return out, unwrapClientError(err)
	}

	b := c.breakers.Get(u.Host, breaker.WithIsFailure(countsAgainstHost))
	out, err := breaker.Call(ctx, b, func(ctx context.Context) (map[string]any, error) {
		return c.post(ctx, t)
	}, nil)
	if breaker.IsOpen(err) {
		return nil, err
	}
	return out, unwrapClientError(err)
}

type clientError struct{ err error }

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func countsAgainstHost(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ce *clientError
	return !errors.As(err, &ce)
}

func unwrapClientError(err error) error {
	var ce *clientError
	if errors.As(err, &ce) {
		return ce.err
	}
	return err
}

func (c *HTTPCaller) post(ctx context.Context, t Target) (map[string]any, error) {
	body, err := json.Marshal(orEmpty(t.Payload))
	if err != nil {
		return nil, &clientError{err: fmt.Errorf("marshal payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &clientError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response after %s: %w", t.URL, time.Since(start), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{URL: t.URL, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
		if resp.StatusCode < 500 {
			return nil, &clientError{err: se}
		}
		return nil, se
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &clientError{err: fmt.Errorf("decode %s response: %w", t.URL, err)}
	}
	return out, nil
}
