package event

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// DeadLetter is a message that exhausted its deliveries, as received by the
// dead-letter intake.
type DeadLetter struct {
	MessageID  string            `json:"message_id,omitempty"`
	Envelope   Envelope          `json:"envelope"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Alerter notifies operators about a dead letter.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Archive keeps dead letters for manual intervention.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
}

// LogAlerter writes alerts to a logger at Error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(_ context.Context, subject, body string) error {
	observability.OrDefault(a.Logger).Error("dead letter alert",
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// MemoryArchive is an in-memory Archive.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

// Put implements Archive.
func (a *MemoryArchive) Put(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get returns the object stored under key.
func (a *MemoryArchive) Get(key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.objects[key]
	return data, ok
}

// Keys returns the stored keys, sorted.
func (a *MemoryArchive) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AlertMessage renders the alert subject and body for dl.
func AlertMessage(dl DeadLetter) (subject, body string) {
	env := dl.Envelope
	subject = fmt.Sprintf("ALERT: Failed Event Processing - %s v%s", orUnknown(env.Type), orUnknown(env.Version))

	pretty, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		pretty = env.Payload
	}
	var b strings.Builder
	b.WriteString("A message has failed to process after maximum retry attempts and has been moved to the Dead Letter Queue.\n\n")
	fmt.Fprintf(&b, "Event Type: %s\n", orUnknown(env.Type))
	fmt.Fprintf(&b, "Event Version: %s\n", orUnknown(env.Version))
	fmt.Fprintf(&b, "Tenant ID: %s\n", orUnknown(env.TenantID))
	fmt.Fprintf(&b, "Correlation ID: %s\n", orUnknown(env.CorrelationID))
	if src := dl.Attributes[AttrDeadLetterSource]; src != "" {
		fmt.Fprintf(&b, "Source Subscription: %s\n", src)
	}
	if n := dl.Attributes[AttrDeliveryAttempt]; n != "" {
		fmt.Fprintf(&b, "Delivery Attempts: %s\n", n)
	}
	b.WriteString("\nPlease investigate this issue as soon as possible.\n\nMessage:\n")
	b.Write(pretty)
	b.WriteString("\n")
	return subject, b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// DeadLetterProcessor handles dead-letter intake: log, alert, archive.
type DeadLetterProcessor struct {
	alerter Alerter
	archive Archive
	prefix  string
	retry   txerrors.RetryConfig
	logger  *slog.Logger
	now     func() time.Time
}

// DeadLetterOption configures a DeadLetterProcessor.
type DeadLetterOption func(*DeadLetterProcessor)

// WithAlerter sets the alert channel. Default: LogAlerter.
func WithAlerter(a Alerter) DeadLetterOption {
	return func(p *DeadLetterProcessor) { p.alerter = a }
}

// WithArchive sets the manual-intervention archive. Default: MemoryArchive.
func WithArchive(a Archive, prefix string) DeadLetterOption {
	return func(p *DeadLetterProcessor) {
		p.archive = a
		p.prefix = prefix
	}
}

// WithAlertRetry sets the retry policy for alert delivery.
func WithAlertRetry(cfg txerrors.RetryConfig) DeadLetterOption {
	return func(p *DeadLetterProcessor) { p.retry = cfg }
}

// WithDeadLetterLogger sets the logger.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(p *DeadLetterProcessor) { p.logger = logger }
}

// WithDeadLetterClock sets the time source used for archive keys.
func WithDeadLetterClock(now func() time.Time) DeadLetterOption {
	return func(p *DeadLetterProcessor) { p.now = now }
}

// NewDeadLetterProcessor creates a processor.
func NewDeadLetterProcessor(opts ...DeadLetterOption) *DeadLetterProcessor {
	p := &DeadLetterProcessor{
		prefix: "dlq",
		now:    time.Now,
	}
	p.retry = txerrors.DefaultRetry
	p.retry.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.OrDefault(p.logger)
	if p.alerter == nil {
		p.alerter = LogAlerter{Logger: p.logger}
	}
	if p.archive == nil {
		p.archive = NewMemoryArchive()
	}
	return p
}

// Process logs dl, alerts operators and archives it for manual
// intervention. An alert failure is logged and does not fail intake; an
// archive failure does, so the push is retried.
func (p *DeadLetterProcessor) Process(ctx context.Context, dl DeadLetter) error {
	env := dl.Envelope
	p.logger.Error("dead letter received",
		slog.String(observability.KeyEventType, env.Type),
		slog.String(observability.KeyEventVersion, env.Version),
		slog.String(observability.KeyCorrelationID, env.CorrelationID),
		slog.String("tenant_id", env.TenantID),
		slog.String("payload", string(env.Payload)),
		slog.Any("attributes", dl.Attributes),
	)

	subject, body := AlertMessage(dl)
	if err := txerrors.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.alerter.Alert(ctx, subject, body)
	}); err != nil {
		observability.LogDegraded(p.logger, "dead_letter_alert", err,
			slog.String(observability.KeyCorrelationID, env.CorrelationID))
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return &txerrors.Error{Kind: txerrors.KindDeliveryFailure, Op: "event.DeadLetter", Message: "marshal dead letter", Err: err}
	}
	key := p.archiveKey(dl)
	if err := p.archive.Put(ctx, key, data); err != nil {
		return &txerrors.Error{Kind: txerrors.KindDeliveryFailure, Op: "event.DeadLetter", Message: "archive " + key, Err: err}
	}
	p.logger.Info("dead letter stored for manual intervention",
		slog.String(observability.KeyCorrelationID, env.CorrelationID),
		slog.String("key", key),
	)
	return nil
}

func (p *DeadLetterProcessor) archiveKey(dl DeadLetter) string {
	id := dl.Envelope.CorrelationID
	if id == "" {
		id = dl.MessageID
	}
	if id == "" {
		id = "unknown"
	}
	now := p.now().UTC()
	name := fmt.Sprintf("%s-%s.json", now.Format("20060102T150405.000Z"), id)
	return path.Join(p.prefix, now.Format("2006/01/02"), name)
}

// pushEnvelope is the push-subscription wrapper.
type pushEnvelope struct {
	Message *struct {
		Data       json.RawMessage   `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
		ID         string            `json:"message_id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ParsePushEnvelope decodes a push-subscription body
//
//	{"message":{"data":"<base64>","attributes":{...},"messageId":"..."}}
//
// into a DeadLetter. data may also be a JSON string or object holding the
// envelope. Every shape problem is a KindValidation error.
func ParsePushEnvelope(body []byte) (DeadLetter, error) {
	const op = "event.ParsePushEnvelope"
	if len(bytes.TrimSpace(body)) == 0 {
		return DeadLetter{}, txerrors.Validation(op, "no push message received")
	}
	var push pushEnvelope
	if err := json.Unmarshal(body, &push); err != nil {
		return DeadLetter{}, txerrors.Validation(op, "invalid push message format: %v", err)
	}
	if push.Message == nil {
		return DeadLetter{}, txerrors.Validation(op, "invalid push message format: missing message")
	}
	if len(push.Message.Data) == 0 {
		return DeadLetter{}, txerrors.Validation(op, "no data in push message")
	}

	raw, err := pushData(push.Message.Data)
	if err != nil {
		return DeadLetter{}, txerrors.Validation(op, "undecodable data: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		return DeadLetter{}, err
	}

	id := push.Message.MessageID
	if id == "" {
		id = push.Message.ID
	}
	return DeadLetter{MessageID: id, Envelope: env, Attributes: push.Message.Attributes}, nil
}

// PushData extracts the raw envelope bytes of a push-subscription body.
func PushData(body []byte) ([]byte, map[string]string, error) {
	var push pushEnvelope
	if err := json.Unmarshal(body, &push); err != nil || push.Message == nil || len(push.Message.Data) == 0 {
		return nil, nil, txerrors.Validation("event.PushData", "invalid push message format")
	}
	raw, err := pushData(push.Message.Data)
	if err != nil {
		return nil, nil, txerrors.Validation("event.PushData", "undecodable data: %v", err)
	}
	return raw, push.Message.Attributes, nil
}

func pushData(field json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(field)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, err
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		return []byte(s), nil
	}
	return nil, errors.New("data is neither base64 nor JSON")
}
