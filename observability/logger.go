package observability

import (
	"io"
	"log/slog"
)

// SetupLogger builds the process logger: JSON handler at the level named by
// the LOG_LEVEL convention ("debug", "info", "warn", "error") and installs it
// as the slog default.
func SetupLogger(w io.Writer, level string) *slog.Logger {
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
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
