package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/txcore/pkg/txcore"
	"github.com/randalmurphal/txcore/pkg/txcore/config"
	"github.com/randalmurphal/txcore/pkg/txcore/event"
	"github.com/randalmurphal/txcore/pkg/txcore/idempotency"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
	"github.com/randalmurphal/txcore/pkg/txcore/server"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
)

type stepCalls struct {
	mu      sync.Mutex
	targets []saga.Target
}

func (s *stepCalls) Call(_ context.Context, t saga.Target) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	return map[string]any{"transaction_id": "tx-1"}, nil
}

func (s *stepCalls) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", errors.New("broker unreachable")
}

type fixture struct {
	core    *txcore.Core
	srv     *server.Server
	calls   *stepCalls
	archive *event.MemoryArchive
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...server.Option) *fixture {
	t.Helper()
	return newFixtureWith(t, mutate, nil, opts...)
}

func newFixtureWith(t *testing.T, mutate func(*config.Config), coreOpts []txcore.Option, opts ...server.Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Server.Services.Booking = "https://bookings.internal/"
	cfg.Server.Services.Payment = "https://payments.internal"
	cfg.Server.Services.CRM = "https://crm.internal"
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{calls: &stepCalls{}, archive: event.NewMemoryArchive()}
	coreOpts = append([]txcore.Option{
		txcore.WithMetrics(observability.NoopMetrics{}),
		txcore.WithSpans(observability.NoopSpanManager{}),
		txcore.WithStepCaller(f.calls),
		txcore.WithArchive(f.archive),
	}, coreOpts...)
	core, err := txcore.New(context.Background(), cfg, coreOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, core.Close()) })

	srv, err := server.New(core, cfg.Server, append([]server.Option{
		server.WithIDGenerator(func() string { return "bk-1" }),
	}, opts...)...)
	require.NoError(t, err)

	f.core, f.srv = core, srv
	return f
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case []byte:
		r = bytes.NewReader(b)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func push(t *testing.T, env event.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "m-1",
		},
	})
	require.NoError(t, err)
	return body
}

var booking = map[string]any{
	"service_id":    "svc-9",
	"customer_id":   "cust-1",
	"customer_name": "Ada",
	"date":          "2025-08-07",
	"time":          "14:30",
	"amount":        "75.5",
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t, nil)
	headers := map[string]string{idempotency.HeaderKey: "key-1", server.HeaderCorrelation: "corr-9"}

	rec := f.do(http.MethodPost, "/bookings", booking, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "bk-1", body["booking_id"])
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "75.50", body["amount"])
	require.NotEmpty(t, body["execution"])

	st, err := f.core.Executor.Wait(context.Background(), saga.Handle(body["execution"].(string)))
	require.NoError(t, err)
	assert.Equal(t, saga.StateSucceeded, st.State)
	require.Equal(t, 3, f.calls.count())
	assert.Equal(t, "https://bookings.internal/execute", f.calls.targets[0].URL)
	assert.Equal(t, "75.50", f.calls.targets[1].Payload["amount"])

	broker := f.core.Publisher.(*event.MemoryBroker)
	published := broker.Published(event.Topic("core-api", "1"))
	require.Len(t, published, 1)
	env, err := event.Decode(published[0].Data)
	require.NoError(t, err)
	assert.Equal(t, server.EventBookingCreated, env.Type)
	assert.Equal(t, "corr-9", env.CorrelationID)
	assert.Equal(t, "default", env.TenantID)

	again := f.do(http.MethodPost, "/bookings", booking, headers)
	require.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, "true", again.Header().Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, rec.Body.String(), again.Body.String())
	assert.Len(t, broker.Published(event.Topic("core-api", "1")), 1, "replay does not publish again")
}

func TestCreateBooking_KeyReusedWithDifferentBody(t *testing.T) {
	f := newFixture(t, nil)
	headers := map[string]string{idempotency.HeaderKey: "key-2"}
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/bookings", booking, headers).Code)

	other := map[string]any{"service_id": "svc-1", "customer_name": "Bob", "date": "d", "time": "t"}
	rec := f.do(http.MethodPost, "/bookings", other, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])
}

func TestCreateBooking_OversizedBodyRejected(t *testing.T) {
	f := newFixture(t, nil)
	headers := map[string]string{idempotency.HeaderKey: "key-big"}
	big := bytes.Repeat([]byte("x"), idempotency.DefaultMaxBodyBytes+1)

	rec := f.do(http.MethodPost, "/bookings", big, headers)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])
	assert.Zero(t, f.calls.count(), "no saga steps ran")

	rec = f.do(http.MethodPost, "/bookings", booking, headers)
	assert.Equal(t, http.StatusCreated, rec.Code, "oversized request did not consume the key")
}

func TestCreateBooking_Validation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		body any
	}{
		{"malformed", "{"},
		{"missing customer", map[string]any{"service_id": "s", "date": "d", "time": "t"}},
		{"negative amount", map[string]any{"service_id": "s", "customer_name": "c", "date": "d", "time": "t", "amount": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/bookings", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decode(t, rec)["error"])
		})
	}
	assert.Zero(t, f.calls.count())
}

func TestCreateBooking_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixtureWith(t, nil, []txcore.Option{txcore.WithBroker(failingPublisher{}, nil)})
	rec := f.do(http.MethodPost, "/bookings", booking, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTriggerEvents(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/events/trigger-booking-event",
		map[string]string{"booking_id": "bk-7", "customer_id": "c-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event published", decode(t, rec)["message"])
	assert.NotEmpty(t, decode(t, rec)["message_id"])

	rec = f.do(http.MethodPost, "/events/trigger-customer-event",
		map[string]string{"customer_id": "c-1", "action": "updated"}, map[string]string{server.HeaderTenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)

	published := f.core.Publisher.(*event.MemoryBroker).Published(event.Topic("core-api", "1"))
	require.Len(t, published, 2)
	env, err := event.Decode(published[1].Data)
	require.NoError(t, err)
	assert.Equal(t, server.EventCustomerUpdated, env.Type)
	assert.Equal(t, "acme", env.TenantID)

	rec = f.do(http.MethodPost, "/events/trigger-customer-event", map[string]string{"customer_id": "c-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerEvent_PublishFailure(t *testing.T) {
	f := newFixtureWith(t, nil, []txcore.Option{txcore.WithBroker(failingPublisher{}, nil)})
	rec := f.do(http.MethodPost, "/events/trigger-booking-event",
		map[string]string{"booking_id": "bk-7", "customer_id": "c-1"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "publish_failure", decode(t, rec)["error"])
}

func TestSagaStatusAndCancel(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/sagas/status", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/sagas/status?execution=nope", nil, nil).Code)

	created := decode(t, f.do(http.MethodPost, "/bookings", booking, nil))
	h := created["execution"].(string)
	_, err := f.core.Executor.Wait(context.Background(), saga.Handle(h))
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/sagas/status?execution="+h, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(saga.StateSucceeded), decode(t, rec)["state"])

	rec = f.do(http.MethodPost, "/sagas/cancel", map[string]string{"execution": h}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cancelled"], "finished executions cannot be cancelled")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/sagas/cancel", map[string]string{}, nil).Code)
}

func TestScheduleRetry(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/tasks/retry", map[string]any{
		"url":          "https://worker.internal/run",
		"payload":      map[string]string{"job": "sync"},
		"max_attempts": 3,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	queue := f.core.TaskQueue.(*tasks.MemoryQueue)
	require.Len(t, queue.Submitted(), 1)
	assert.Equal(t, 3, queue.Submitted()[0].MaxAttempts)
	assert.JSONEq(t, `{"job":"sync"}`, string(queue.Submitted()[0].Payload))

	rec = f.do(http.MethodPost, "/tasks/retry", map[string]any{"url": "https://worker.internal/run", "delay": "30s"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.Submitted(), 2)
	assert.NotNil(t, queue.Submitted()[1].ScheduleTime)

	rec = f.do(http.MethodPost, "/tasks/retry", map[string]any{"url": "not a url"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExternalServiceCall_BreakerOpens(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Breaker.FailureThreshold = 2 },
		server.WithExternalCall(func(context.Context) (gin.H, error) {
			return nil, errors.New("upstream timeout")
		}))

	for range 2 {
		assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/external-service-call", nil, nil).Code)
	}
	rec := f.do(http.MethodGet, "/external-service-call", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "circuit_open", body["status"])
	assert.Equal(t, server.ExternalDependency, body["dependency"])
}

func TestExternalServiceCall_Default(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/external-service-call", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "External service call successful", decode(t, rec)["message"])
}

func TestProcessEvent(t *testing.T) {
	f := newFixture(t, nil)
	env := event.Envelope{
		Type:          server.EventBookingCreated,
		Version:       "1",
		TenantID:      "default",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"booking_id":"bk-1","customer_id":"c-1"}`),
	}

	rec := f.do(http.MethodPost, "/process-event", push(t, env), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/process-event", `{"message":{}}`, nil).Code)

	env.Version = "2"
	env.CorrelationID = "corr-2"
	rec = f.do(http.MethodPost, "/process-event", push(t, env), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "no handler for v2")

	env.Version = "1"
	env.CorrelationID = "corr-3"
	env.Payload = json.RawMessage(`{}`)
	rec = f.do(http.MethodPost, "/process-event", push(t, env), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "handler rejects missing booking_id")
}

func TestProcessDeadLetter(t *testing.T) {
	f := newFixture(t, nil)
	env := event.Envelope{
		Type:          server.EventCustomerUpdated,
		Version:       "1",
		TenantID:      "default",
		CorrelationID: "corr-5",
		Payload:       json.RawMessage(`{"customer_id":"c-1"}`),
	}

	rec := f.do(http.MethodPost, "/process-dlq-message", push(t, env), nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.Len(t, f.archive.Keys(), 1)
	assert.Contains(t, f.archive.Keys()[0], "corr-5")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/process-dlq-message", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/process-dlq-message", `{"message":{"data":""}}`, nil).Code)
}

func TestRun_ListenFailureReturns(t *testing.T) {
	f := newFixture(t, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	f.srv.Addr = l.Addr().String()

	done := make(chan error, 1)
	go func() { done <- f.srv.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err, "port already in use")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after listen failure")
	}
}
