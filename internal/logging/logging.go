package logging

import (
	"log/slog"
	"os"
)

// Init installs the default logger. Production builds only show errors
// unless LOG_LEVEL says otherwise.
func Init() {
	InitWithDefault(slog.LevelError)
}

// InitWithDefault installs a text logger on stderr at the level named by
// LOG_LEVEL, or def when the variable is unset or unrecognized.
func InitWithDefault(def slog.Level) *slog.Logger {
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: LevelFromEnv(def),
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// LevelFromEnv maps LOG_LEVEL to a slog level.
func LevelFromEnv(def slog.Level) slog.Level {
	l, ok := os.LookupEnv("LOG_LEVEL")
	if !ok {
		return def
	}
	return ParseLevel(l, def)
}

// ParseLevel accepts the level names used across our tools.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch s {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	}
	return def
}
