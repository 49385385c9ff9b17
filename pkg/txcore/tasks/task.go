package tasks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// DefaultDispatchDeadline bounds one delivery attempt of a task.
const DefaultDispatchDeadline = 300 * time.Second

// TaskSpec describes one HTTP callback to hand to the queue.
type TaskSpec struct {
	// Name is optional. Queues reject a second task with the same name.
	Name    string
	URL     string
	Method  string // POST when empty
	Payload any
	Headers map[string]string

	Retry RetryPolicy

	// ScheduleTime wins over Delay when both are set.
	ScheduleTime time.Time
	Delay        time.Duration

	DispatchDeadline time.Duration
}

// TaskHandle identifies a submitted task.
type TaskHandle struct {
	Name         string    `json:"name"`
	Queue        string    `json:"queue"`
	ScheduleTime time.Time `json:"schedule_time"`
}

// Descriptor is the wire form of a task.
type Descriptor struct {
	Name             string            `json:"name,omitempty"`
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	MaxAttempts      int               `json:"max_attempts"`
	MinBackoff       Duration          `json:"min_backoff"`
	MaxBackoff       Duration          `json:"max_backoff"`
	MaxDoublings     int               `json:"max_doublings"`
	DispatchDeadline Duration          `json:"dispatch_deadline"`
	ScheduleTime     *time.Time        `json:"schedule_time,omitempty"`
}

// Policy returns the retry policy the descriptor carries.
func (d Descriptor) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  d.MaxAttempts,
		MinBackoff:   time.Duration(d.MinBackoff),
		MaxBackoff:   time.Duration(d.MaxBackoff),
		MaxDoublings: d.MaxDoublings,
	}
}

// Duration marshals as seconds with an "s" suffix, e.g. "300s" or "0.5s".
type Duration time.Duration

func (d Duration) String() string {
	return strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64) + "s"
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses "<seconds>s". Go duration strings such as "1m30s"
// are accepted too.
func ParseDuration(s string) (time.Duration, error) {
	if secs, ok := strings.CutSuffix(s, "s"); ok {
		if f, err := strconv.ParseFloat(secs, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// describe validates spec and returns its descriptor, resolving Delay
// against now.
func describe(spec TaskSpec, now time.Time) (Descriptor, error) {
	const op = "tasks.ScheduleTask"
	u, err := url.Parse(spec.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Descriptor{}, txerrors.Validation(op, "task url %q must be an absolute http(s) url", spec.URL)
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet, http.MethodDelete:
	default:
		return Descriptor{}, txerrors.Validation(op, "unsupported method %q", spec.Method)
	}

	policy := spec.Retry
	if policy.IsZero() {
		policy = DefaultRetryPolicy
	}
	if err := policy.Validate(); err != nil {
		return Descriptor{}, err
	}

	deadline := spec.DispatchDeadline
	if deadline == 0 {
		deadline = DefaultDispatchDeadline
	}
	if deadline < 0 || spec.Delay < 0 {
		return Descriptor{}, txerrors.Validation(op, "delay and dispatch deadline must not be negative")
	}

	d := Descriptor{
		Name:             spec.Name,
		URL:              spec.URL,
		Method:           method,
		Headers:          spec.Headers,
		MaxAttempts:      policy.MaxAttempts,
		MinBackoff:       Duration(policy.MinBackoff),
		MaxBackoff:       Duration(policy.MaxBackoff),
		MaxDoublings:     policy.MaxDoublings,
		DispatchDeadline: Duration(deadline),
	}

	if spec.Payload != nil {
		switch p := spec.Payload.(type) {
		case json.RawMessage:
			d.Payload = p
		case []byte:
			d.Payload = json.RawMessage(p)
		default:
			raw, err := json.Marshal(p)
			if err != nil {
				return Descriptor{}, txerrors.Validation(op, "payload: %v", err)
			}
			d.Payload = raw
		}
		if !json.Valid(d.Payload) {
			return Descriptor{}, txerrors.Validation(op, "payload is not valid JSON")
		}
	}

	switch {
	case !spec.ScheduleTime.IsZero():
		at := spec.ScheduleTime.UTC()
		d.ScheduleTime = &at
	case spec.Delay > 0:
		at := now.Add(spec.Delay).UTC()
		d.ScheduleTime = &at
	}
	return d, nil
}
