package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/harun/onebot/internal/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditType groups audit records.
type AuditType string

const (
	// AuditConnection covers binding and bot lifecycle: connected, replaced,
	// rejected, disconnected.
	AuditConnection AuditType = "connection"
	// AuditSecurity covers handshake decisions such as version mismatches.
	AuditSecurity AuditType = "security"
	// AuditConfig covers configuration written by the CLI.
	AuditConfig AuditType = "config"
)

// Audit log files rotate at this size and are kept this many days.
const (
	auditMaxSizeMB  = 10
	auditMaxAgeDays = 30
)

// AuditEvent is one audit record.
type AuditEvent struct {
	Type     AuditType
	Actor    string // BotKey or remote address
	Action   string // e.g. bot_connect, bot_replaced
	Status   string // success, failure, rejected
	Metadata map[string]interface{}
}

// AuditLogger writes audit records as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var audit atomic.Pointer[AuditLogger]

func newAuditLogger(w io.Writer, c io.Closer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		closer: c,
	}
}

// GetAuditLogger returns the process audit logger, stderr until
// InitAuditLogger or SetAuditOutput is called.
func GetAuditLogger() *AuditLogger {
	if a := audit.Load(); a != nil {
		return a
	}
	audit.CompareAndSwap(nil, newAuditLogger(os.Stderr, nil))
	return audit.Load()
}

// InitAuditLogger sends audit records to a rotating file at path.
func InitAuditLogger(path string) error {
	w, err := logger.NewRotatingWriter(path, logger.RotateOptions{
		MaxSizeMB:  auditMaxSizeMB,
		MaxAgeDays: auditMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return err
	}
	audit.Store(newAuditLogger(w, w))
	return nil
}

// SetAuditOutput sends audit records to w.
func SetAuditOutput(w io.Writer) {
	audit.Store(newAuditLogger(w, nil))
}

// Record writes event. When ctx carries a recording span, the event is also
// added to it and the record carries its trace id.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", string(event.Type)),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.logger.Log().
		Str("type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close releases the audit file. Later records from this logger go to
// stderr.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	return err
}

// RecordConnectionAudit records a bot binding lifecycle change
func RecordConnectionAudit(ctx context.Context, action, bot, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConnection,
		Actor:    bot,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSecurityAudit records a handshake or authentication decision
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
