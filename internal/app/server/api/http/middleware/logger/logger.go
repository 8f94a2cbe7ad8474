package logger

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// Logger middleware для логирования входящих HTTP запросов
type Logger struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Logger {
	return &Logger{
		log: log.With(slog.String("component", "http_logger")),
	}
}

// Middleware пишет одну запись на запрос. Уровень зависит от статуса ответа.
func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		method := ctx.Method()
		path := ctx.URL().Path
		remoteAddr := ctx.RemoteAddr()
		deviceID := ctx.Header("x-device-id")
		if deviceID == "" {
			deviceID = ctx.Query("deviceId")
		}

		next(ctx)

		status := ctx.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		l.log.Log(ctx.Context(), level, "HTTP request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", remoteAddr),
			slog.String("device_id", deviceID),
		)
	}
}
