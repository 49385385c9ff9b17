package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// TimeLayout is the wire format of occurred_at: RFC 3339, UTC, milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Message attribute names set by the Producer.
const (
	AttrEventType     = "event_type"
	AttrEventVersion  = "event_version"
	AttrCorrelationID = "correlation_id"
)

// Envelope is the unit published on a topic. It is immutable once
// published.
type Envelope struct {
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type wireEnvelope struct {
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    string          `json:"occurred_at"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON renders occurred_at in TimeLayout and an empty payload as {}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type:          e.Type,
		Version:       e.Version,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
	if !e.OccurredAt.IsZero() {
		w.OccurredAt = e.OccurredAt.UTC().Format(TimeLayout)
	}
	if len(w.Payload) == 0 {
		w.Payload = json.RawMessage("{}")
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts any RFC 3339 timestamp for occurred_at.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		Type:          w.Type,
		Version:       w.Version,
		TenantID:      w.TenantID,
		CorrelationID: w.CorrelationID,
		Payload:       w.Payload,
	}
	if w.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
		if err != nil {
			return fmt.Errorf("occurred_at: %w", err)
		}
		e.OccurredAt = t.UTC()
	}
	return nil
}

// Decode parses and checks an envelope. Malformed JSON, a missing type or
// version, and a payload that is not a JSON object are KindValidation
// errors. A missing or null payload decodes as {}.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, txerrors.Validation("event.Decode", "malformed envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if p := bytes.TrimSpace(env.Payload); len(p) == 0 || bytes.Equal(p, []byte("null")) {
		env.Payload = json.RawMessage("{}")
	}
	return env, nil
}

// Validate checks the required fields.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return txerrors.Validation("event.Decode", "envelope type is required")
	}
	if e.Version == "" {
		return txerrors.Validation("event.Decode", "envelope version is required")
	}
	p := bytes.TrimSpace(e.Payload)
	if len(p) > 0 && !bytes.Equal(p, []byte("null")) && p[0] != '{' {
		return txerrors.Validation("event.Decode", "envelope payload must be an object")
	}
	return nil
}

// Key returns the handler-table key of the envelope.
func (e Envelope) Key() string {
	return handlerKey(e.Type, e.Version)
}

func handlerKey(eventType, version string) string {
	return eventType + ":" + version
}

// Topic returns the versioned topic address for domain.
func Topic(domain, version string) string {
	return domain + ".v" + version + ".events"
}

// ParseTopic splits a topic address into domain and version.
func ParseTopic(topic string) (domain, version string, err error) {
	rest, ok := strings.CutSuffix(topic, ".events")
	if !ok {
		return "", "", txerrors.Validation("event.ParseTopic", "topic %q does not end in .events", topic)
	}
	i := strings.LastIndex(rest, ".v")
	if i <= 0 || i+2 >= len(rest) {
		return "", "", txerrors.Validation("event.ParseTopic", "topic %q has no version", topic)
	}
	return rest[:i], rest[i+2:], nil
}
