// Package logging provides structured logging for the relay and its clients.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger scoped to a named component. A nil logger
// yields a discarding logger so constructors can accept nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Common attribute keys for consistent logging.
const (
	KeyConnID        = "conn_id"
	KeyPeerID        = "peer_id"
	KeyRole          = "role"
	KeyState         = "state"
	KeyCorrelationID = "correlation_id"
	KeyMessageType   = "message_type"
	KeyMethod        = "method"
	KeyURL           = "url"
	KeyStatusCode    = "status_code"
	KeyAddress       = "address"
	KeyRemoteAddr    = "remote_addr"
	KeyError         = "error"
	KeyComponent     = "component"
	KeyDuration      = "duration"
	KeyCount         = "count"
	KeyAttempt       = "attempt"
)
