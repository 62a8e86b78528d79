package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Fields are the correlation values a context carries. Loggers derived
// with LoggerFromContext stamp every non-empty one on each line.
type Fields struct {
	TraceID string
	Bot     string
	ConnID  string
	EventID string
}

type fieldsKey struct{}

// FromContext returns the fields stored in ctx, zero when there are none.
func FromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, func(f *Fields) { f.TraceID = traceID })
}

// WithConnID records the transport binding a frame arrived on.
func WithConnID(ctx context.Context, connID string) context.Context {
	return with(ctx, func(f *Fields) { f.ConnID = connID })
}

func GetTraceID(ctx context.Context) string { return FromContext(ctx).TraceID }

// NewRequestContext starts a fresh trace.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewEventContext scopes ctx to one inbound event, keeping an existing
// trace id.
func NewEventContext(ctx context.Context, bot, eventID string) context.Context {
	return with(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.Bot = bot
		f.EventID = eventID
	})
}
