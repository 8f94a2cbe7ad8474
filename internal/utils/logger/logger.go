package logger

import (
	"io"
	"os"
	"strings"

	"possync/internal/app/server/config"

	"golang.org/x/exp/slog"
)

// New логгер под окружение: local цветной вывод, dev JSON с debug, prod JSON с info
func New(env string) *slog.Logger {
	switch env {
	case config.EnvLocal:
		return setupPrettySlog()
	case config.EnvDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// NewWithLevel как New, но уровень LOG_LEVEL имеет приоритет над уровнем окружения
func NewWithLevel(env, level string) *slog.Logger {
	lvl, ok := parseLevel(level)
	if !ok {
		return New(env)
	}
	return NewWriter(os.Stdout, env, lvl)
}

// NewWriter логгер с явным приемником, клиент пишет лог в stderr
func NewWriter(w io.Writer, env string, lvl slog.Level) *slog.Logger {
	if env == config.EnvLocal {
		return slog.New(NewPrettyHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ParseLevel разбирает LOG_LEVEL, пустое или неизвестное значение дает info
func ParseLevel(s string) slog.Level {
	if lvl, ok := parseLevel(s); ok {
		return lvl
	}
	return slog.LevelInfo
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

func setupPrettySlog() *slog.Logger {
	return slog.New(NewPrettyHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
