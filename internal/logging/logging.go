// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Init installs a JSON slog handler at the given level as the default
// logger. Mirrors the teacher's log-to-file CLI setup, adapted to log
// to stderr for a long-running server process.
func Init(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return logger
}
