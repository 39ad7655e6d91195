package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codespacesh/blink-tunnel/internal/config"
)

// Setup configures the global slog logger from the logging config.
// Returns the lumberjack logger (if file logging is on) so it can be
// closed on shutdown.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	handler, lj := NewHandler(cfg)
	slog.SetDefault(slog.New(handler))
	return lj
}

// NewHandler builds a slog.Handler and optional lumberjack writer
// without touching the global default, so callers can wrap it first.
func NewHandler(cfg config.LoggingConfig) (slog.Handler, *lumberjack.Logger) {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return handler, lj
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
