package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentloop/internal/tracing"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // agent name
	Action    string                 `json:"action"`          // e.g. "execute:send_email"
	Status    string                 `json:"status"`          // "success", "failure", "approved", "rejected", "tripped"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
}

// AuditLogger records tool side effects and approval decisions.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the global audit logger instance. It discards events
// until InitAuditLogger or SetAuditWriter is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger points the global audit logger at an append-only file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	swapAudit(&AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		closer: file,
	})
	return nil
}

// SetAuditWriter points the global audit logger at w.
func SetAuditWriter(w io.Writer) {
	swapAudit(&AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()})
}

func swapAudit(next *AuditLogger) {
	auditMu.Lock()
	prev := auditInst
	auditInst = next
	auditMu.Unlock()
	_ = prev.Close()
}

// Record emits an audit event to the log and as a span event
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = tracing.GetRunID(ctx)
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
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
		Str("trace_id", event.TraceID).
		Str("run_id", event.RunID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

func RecordToolAudit(ctx context.Context, toolName, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordApprovalAudit logs the caller's decision on an interrupted tool call.
func RecordApprovalAudit(ctx context.Context, toolName, actor string, approved bool, metadata map[string]interface{}) {
	status := "rejected"
	if approved {
		status = "approved"
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "approval",
		Actor:    actor,
		Action:   "approve:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordGuardrailAudit(ctx context.Context, guardrail, stage, actor, detail string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "guardrail",
		Actor:    actor,
		Action:   stage + ":" + guardrail,
		Status:   "tripped",
		Metadata: map[string]interface{}{"detail": detail},
	})
}
