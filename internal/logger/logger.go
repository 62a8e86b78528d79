package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process zerolog logger and its file.
type Logger struct {
	logger   zerolog.Logger
	file     io.WriteCloser
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string
	Console   bool
	Pretty    bool
	Redaction bool
	// Secrets are literal values (access tokens, webhook secrets) masked
	// when Redaction is on.
	Secrets  []string
	MaxSize  int // MB, 0 writes File without rotation
	MaxAge   int // days
	Compress bool
	// Role is attached to every line as "role" when set.
	Role string
	Out  io.Writer // console destination, stdout by default
}

// New creates a logger and installs it as the zerolog global.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stdout
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		writers = append(writers, out)
	}

	file, err := openFile(cfg)
	if err != nil {
		return nil, err
	}
	if file != nil {
		writers = append(writers, file)
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stdout
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		redactor.AddSecret(cfg.Secrets...)
		w = redactor.Wrap(w)
	}

	zc := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Role != "" {
		zc = zc.Str("role", cfg.Role)
	}
	logger := zc.Logger()
	log.Logger = logger

	return &Logger{logger: logger, file: file, redactor: redactor}, nil
}

// openFile opens cfg.File, rotated when MaxSize is set. No file yields nil.
func openFile(cfg Config) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nil, nil
	}
	if cfg.MaxSize > 0 {
		w, err := NewRotatingWriter(cfg.File, RotateOptions{
			MaxSizeMB:  cfg.MaxSize,
			MaxAgeDays: cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return w, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
