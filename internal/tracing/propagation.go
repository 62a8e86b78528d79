package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext derives a logger from base carrying the context's
// correlation fields.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	zc := base.With()
	for _, kv := range [...][2]string{
		{"trace_id", f.TraceID},
		{"bot", f.Bot},
		{"conn_id", f.ConnID},
		{"event_id", f.EventID},
	} {
		if kv[1] != "" {
			zc = zc.Str(kv[0], kv[1])
		}
	}
	return zc.Logger()
}
