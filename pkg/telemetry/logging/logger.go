// Package logging sets up the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"mercator-hq/ganymede/pkg/config"
)

// Setup builds a slog.Logger from the logging configuration, installs it as
// the process default, and returns it. Unknown levels and formats fall back
// to info and JSON rather than failing startup.
func Setup(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
