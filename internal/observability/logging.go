// Package observability provides structured logging, Prometheus metrics, and
// optional OTLP tracing for all three process roles.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger is a slog wrapper that stamps every record with the owning process
// and redacts API keys before they can reach a log line. API keys cross the
// process boundary via environment and must never be logged.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text". JSON is the default; children inherit it
	// so a run's combined stdio stays machine-parseable.
	Format string
	// Process tags every record, e.g. "orchestrator", "producer-2".
	Process string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// redactPatterns cover the key shapes this system handles plus generic
// bearer/secret forms.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{10,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{30,}`),
	regexp.MustCompile(`(?i)(bearer|token|api[_-]?key)[\s:=]+["']?[a-zA-Z0-9._-]{16,}["']?`),
}

// NewLogger builds a Logger from config, applying defaults for empty fields.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if config.Process != "" {
		logger = logger.With(slog.String("process", config.Process))
	}
	return &Logger{logger: logger, redacts: redactPatterns}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger with fixed key-value pairs attached to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redact(msg)
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			args[i] = l.redact(v)
		case error:
			if v != nil {
				args[i] = l.redact(v.Error())
			}
		}
	}
	l.logger.Log(ctx, level, msg, args...)
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Discard returns a logger that drops everything; for tests.
func Discard() *Logger {
	return &Logger{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		redacts: redactPatterns,
	}
}
