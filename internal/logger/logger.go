// Package logger provides structured logging setup for SpendGate.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/SpendGate/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// The returned LevelVar adjusts the level at runtime, which is how a
// config reload takes effect without restarting. With Async enabled,
// records are handed to a worker pool; the returned Closer flushes
// pending records on shutdown.
func New(cfg config.Logging) (*slog.Logger, *slog.LevelVar, Closer) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		async := NewAsyncHandler(handler, 4096, 2)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), level, closer
}

// ParseLevel converts a config level string to a slog.Level, defaulting
// to info.
func ParseLevel(s string) slog.Level { return parseLevel(s) }

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
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
