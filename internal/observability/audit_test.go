package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRecordConnectionAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)
	t.Cleanup(func() { SetAuditOutput(os.Stderr) })

	RecordConnectionAudit(context.Background(), "bot_connected", "qq/10001", "success", map[string]interface{}{
		"conn_id": "c1",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection", entry["type"])
	assert.Equal(t, "bot_connected", entry["action"])
	assert.Equal(t, "qq/10001", entry["actor"])
	assert.Equal(t, "success", entry["status"])
	assert.Equal(t, map[string]interface{}{"conn_id": "c1"}, entry["metadata"])
}

func TestRecordSecurityAudit(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)
	t.Cleanup(func() { SetAuditOutput(os.Stderr) })

	RecordSecurityAudit(context.Background(), "version_mismatch", "127.0.0.1:5000", "rejected", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "security", entry["type"])
	assert.Equal(t, "rejected", entry["status"])
	assert.NotContains(t, entry, "metadata")
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordConnectionAudit(context.Background(), "bot_disconnected", "qq/10001", "success", nil)
	require.NoError(t, GetAuditLogger().Close())
	require.NoError(t, GetAuditLogger().Close())
	t.Cleanup(func() { SetAuditOutput(os.Stderr) })

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"bot_disconnected"`)
}

func TestAuditCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)
	t.Cleanup(func() { SetAuditOutput(os.Stderr) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("audit-test").Start(context.Background(), "bind")
	RecordConnectionAudit(ctx, "bot_replaced", "qq/10001", "success", nil)
	span.End()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
}
