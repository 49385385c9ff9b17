// Package observability provides structured logging, metrics and tracing
// for txcore components.
//
// Logging uses log/slog. Metrics and tracing use OpenTelemetry through the
// global providers. Every helper tolerates a nil logger and every interface
// has a no-op implementation, so components can run with observability
// switched off.
package observability

import (
	"context"
	"log/slog"
)

// Standard attribute keys.
const (
	KeyIdempotencyKey = "idempotency_key"
	KeyDependency     = "dependency"
	KeyState          = "state"
	KeyCorrelationID  = "correlation_id"
	KeyEventType      = "event_type"
	KeyEventVersion   = "event_version"
	KeyTopic          = "topic"
	KeySubscription   = "subscription"
	KeySagaID         = "saga_id"
	KeyExecution      = "execution"
	KeyTask           = "task"
	KeyError          = "error"
)

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// LogDegraded logs a side effect that failed without failing the primary
// operation, such as an idempotency write or an event publish.
func LogDegraded(logger *slog.Logger, what string, err error, attrs ...any) {
	if logger == nil {
		return
	}
	args := append([]any{slog.String("degraded", what), errAttr(err)}, attrs...)
	logger.Warn("degraded", args...)
}

// LogBreakerTransition logs a circuit breaker state change. Opening is a
// warning; recovery is informational.
func LogBreakerTransition(logger *slog.Logger, dependency, from, to string) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if to == "OPEN" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "circuit breaker transition",
		slog.String(KeyDependency, dependency),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogDelivery logs the outcome of dispatching one consumed message.
func LogDelivery(logger *slog.Logger, eventType, version, correlationID, outcome string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String(KeyEventType, eventType),
		slog.String(KeyEventVersion, version),
		slog.String(KeyCorrelationID, correlationID),
		slog.String("outcome", outcome),
	}
	if err != nil {
		logger.Warn("event delivery failed", append(attrs, errAttr(err))...)
		return
	}
	logger.Debug("event delivered", attrs...)
}

// LogSagaSubmitted logs a saga handed to the executor.
func LogSagaSubmitted(logger *slog.Logger, sagaID, execution string, steps int) {
	if logger == nil {
		return
	}
	logger.Info("saga submitted",
		slog.String(KeySagaID, sagaID),
		slog.String(KeyExecution, execution),
		slog.Int("steps", steps),
	)
}

// LogReplay logs an idempotent replay served from the store.
func LogReplay(logger *slog.Logger, key string, status int) {
	if logger == nil {
		return
	}
	logger.Info("idempotent replay",
		slog.String(KeyIdempotencyKey, key),
		slog.Int("status", status),
	)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
