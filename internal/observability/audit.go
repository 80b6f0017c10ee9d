package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is a structured record of an operator-visible action.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // connection id or "admin"
	Action    string                 `json:"action"`          // e.g. "connect", "command:/new"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger, writing to stderr until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger redirects audit events to path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record emits an audit event and mirrors it as a span event when tracing is active.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit file handle.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordConnectionAudit logs a connection lifecycle action.
func RecordConnectionAudit(ctx context.Context, action, connectionID string, err error, metadata map[string]interface{}) {
	if err != nil {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["error"] = err.Error()
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "connection",
		Actor:    connectionID,
		Action:   action,
		Status:   outcome(err),
		Metadata: metadata,
	})
}

// RecordCommandAudit logs a chat command handled by the gateway.
func RecordCommandAudit(ctx context.Context, command, connectionID, sessionID string, err error) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "command",
		Actor:    connectionID,
		Action:   "command:" + command,
		Status:   outcome(err),
		Metadata: map[string]interface{}{"session_id": sessionID},
	})
}
