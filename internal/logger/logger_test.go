package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(Config{Level: tt.level, Console: true, Out: &bytes.Buffer{}})
			require.NoError(t, err)
			defer l.Close()
			assert.Equal(t, tt.want, l.GetZerolog().GetLevel())
		})
	}
}

func TestConsoleOut(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Console: true, Role: "impl", Out: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Debug().Str("self_id", "10001").Msg("bot connected")
	assert.Contains(t, buf.String(), `"self_id":"10001"`)
	assert.Contains(t, buf.String(), `"role":"impl"`)

	buf.Reset()
	comp := l.Component("dispatch")
	comp.Info().Msg("handler registered")
	assert.Contains(t, buf.String(), `"component":"dispatch"`)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "onebot.log")
	l, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)
	_, rotating := l.file.(*RotatingWriter)
	assert.False(t, rotating, "MaxSize 0 writes a plain file")

	l.Warn().Msg("binding closed")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "binding closed")
}

func TestRotatingFileWithRedaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")
	var console bytes.Buffer
	l, err := New(Config{
		Level:     "info",
		File:      path,
		Console:   true,
		Out:       &console,
		MaxSize:   1,
		Redaction: true,
		Secrets:   []string{"push-secret"},
	})
	require.NoError(t, err)
	_, rotating := l.file.(*RotatingWriter)
	assert.True(t, rotating)

	l.Info().Str("url", "ws://h/?access_token=hunter2").Str("hook", "push-secret").Msg("dial")
	l.Error().Msg("both writers get this")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, out := range []string{string(data), console.String()} {
		assert.Contains(t, out, "[REDACTED]")
		assert.NotContains(t, out, "hunter2")
		assert.NotContains(t, out, "push-secret")
		assert.Contains(t, out, "both writers get this")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
