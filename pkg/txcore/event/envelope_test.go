package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "core-api.v1.events", Topic("core-api", "1"))

	domain, version, err := ParseTopic("core-api.v1.events")
	require.NoError(t, err)
	assert.Equal(t, "core-api", domain)
	assert.Equal(t, "1", version)

	domain, version, err = ParseTopic("booking.svc.v12.events")
	require.NoError(t, err)
	assert.Equal(t, "booking.svc", domain)
	assert.Equal(t, "12", version)

	for _, bad := range []string{"core-api.v1", "core-api.events", ".v1.events", "core-api.v.events"} {
		_, _, err := ParseTopic(bad)
		assert.ErrorIs(t, err, txerrors.ErrValidation, bad)
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	env := Envelope{
		Type:          "booking_created",
		Version:       "1",
		OccurredAt:    time.Date(2025, 3, 4, 5, 6, 7, 891_234_000, time.FixedZone("X", 3600)),
		TenantID:      "t1",
		CorrelationID: "c1",
		Payload:       json.RawMessage(`{"booking_id":"b1"}`),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"booking_created",
		"version":"1",
		"occurred_at":"2025-03-04T04:06:07.891Z",
		"tenant_id":"t1",
		"correlation_id":"c1",
		"payload":{"booking_id":"b1"}
	}`, string(data))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.OccurredAt.UTC().Truncate(time.Millisecond), back.OccurredAt)
	assert.Equal(t, "booking_created:1", back.Key())
}

func TestEnvelope_EmptyPayloadIsObject(t *testing.T) {
	data, err := json.Marshal(Envelope{Type: "x", Version: "1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{}`)

	env, err := Decode([]byte(`{"type":"x","version":"1","payload":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(env.Payload))
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"type":`},
		{"missing type", `{"version":"1","payload":{}}`},
		{"missing version", `{"type":"x","payload":{}}`},
		{"array payload", `{"type":"x","version":"1","payload":[1]}`},
		{"string payload", `{"type":"x","version":"1","payload":"hi"}`},
		{"bad time", `{"type":"x","version":"1","occurred_at":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, txerrors.ErrValidation)
		})
	}
}

func TestDecode_AcceptsMicrosecondTimestamps(t *testing.T) {
	env, err := Decode([]byte(`{"type":"x","version":"1","occurred_at":"2025-01-01T10:00:00.123456Z","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, 123456000, env.OccurredAt.Nanosecond())
}

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator("")
	require.NoError(t, err)

	good := `{"type":"x","version":"1","occurred_at":"2025-01-01T00:00:00.000Z","tenant_id":"t","correlation_id":"c","payload":{}}`
	assert.NoError(t, v.Validate([]byte(good)))

	err = v.Validate([]byte(`{"type":"x","version":"one","occurred_at":"t","correlation_id":"c","payload":{}}`))
	assert.ErrorIs(t, err, txerrors.ErrValidation)

	err = v.Validate([]byte(`{"type":"x","version":"1","payload":{}}`))
	assert.ErrorIs(t, err, txerrors.ErrValidation, "missing correlation id")

	assert.ErrorIs(t, v.Validate([]byte(`nope`)), txerrors.ErrValidation)

	_, err = NewSchemaValidator(`{"type": 12}`)
	assert.Error(t, err)
}
