// Package logging provides structured logging and the on-disk log sinks for
// the forwarding engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog with engine-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
}

// DefaultConfig returns a sensible default configuration. Text output on
// stdout suits running under systemd, where the journal captures it.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Scheduler returns a logger configured for the cycle loop.
func (l *Logger) Scheduler() *Logger {
	return &Logger{Logger: l.Logger.With("component", "scheduler")}
}

// IMAP returns a logger configured for mailbox sessions.
func (l *Logger) IMAP() *Logger {
	return &Logger{Logger: l.Logger.With("component", "imap")}
}

// Delivery returns a logger configured for SMTP submission.
func (l *Logger) Delivery() *Logger {
	return &Logger{Logger: l.Logger.With("component", "delivery")}
}

// Queue returns a logger configured for the retry queue.
func (l *Logger) Queue() *Logger {
	return &Logger{Logger: l.Logger.With("component", "queue")}
}

// API returns a logger configured for the control RPC.
func (l *Logger) API() *Logger {
	return &Logger{Logger: l.Logger.With("component", "api")}
}
