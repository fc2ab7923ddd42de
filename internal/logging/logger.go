package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the agent's JSON logger on stdout.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level).With("service", "driver-agent")
}

// New builds a JSON logger on w. Tests pass io.Discard.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger { return New(io.Discard, "error") }

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
