package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger. Debug mode lowers the
// level; stdio transports log to stderr so protocol framing on stdout
// stays clean.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
