// Package logger builds the engine-wide structured logger.
package logger

import (
	"log/slog"
	"os"
)

// New returns a text slog.Logger at the given level, writing to stderr.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
