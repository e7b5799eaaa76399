package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	pionlogging "github.com/pion/logging"
)

// ParseLevel maps LOG_LEVEL values to a slog level. Unknown or empty values
// return fallback.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return fallback
	}
}

// New builds a logger writing to w. format is "json" or anything else for text.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init configures the default logger from LOG_LEVEL and LOG_FORMAT and
// returns it. fallback applies when LOG_LEVEL is unset.
func Init(fallback slog.Level) *slog.Logger {
	level := ParseLevel(os.Getenv("LOG_LEVEL"), fallback)
	logger := New(os.Stderr, level, os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

// PionFactory returns a pion logger factory at the level matching level.
// pion is noisy, so anything above debug only shows its warnings and errors.
func PionFactory(w io.Writer, level slog.Level) pionlogging.LoggerFactory {
	f := pionlogging.NewDefaultLoggerFactory()
	f.Writer = w
	switch {
	case level <= slog.LevelDebug:
		f.DefaultLogLevel = pionlogging.LogLevelDebug
	case level <= slog.LevelWarn:
		f.DefaultLogLevel = pionlogging.LogLevelWarn
	default:
		f.DefaultLogLevel = pionlogging.LogLevelError
	}
	return f
}
