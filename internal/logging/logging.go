// Package logging configures the process-wide structured logger.
//
// cmd/gateway wires everything through a single *slog.Logger; this package
// exists only to keep the construction (format, level, output) in one place.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog.Logger writing to stdout. level is parsed
// case-insensitively ("debug", "info", "warn", "error"); anything else
// defaults to info.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
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
