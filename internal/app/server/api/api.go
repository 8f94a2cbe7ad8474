// POST   /sync/push               # Операции устройства
// POST   /sync/pull               # Изменения после контрольной точки
// POST   /sync/resolve-conflicts  # Решения по конфликтам
// GET    /sync/status             # Устройство и статистика
// GET    /sync/stats              # Статистика за период с рекомендациями
// DELETE /sync/cleanup            # Очистка журнала операций устройства
// GET    /sync/conflicts          # Конфликты устройства
// GET    /sync/events             # WebSocket уведомления об изменениях
// GET    /health                  # Проверка доступности (публичный)

package api

import (
	"net/http"

	healthAPI "possync/internal/app/server/api/http/health"
	"possync/internal/app/server/api/http/middleware"
	"possync/internal/app/server/api/http/middleware/device"
	"possync/internal/app/server/api/http/middleware/logger"
	syncAPI "possync/internal/app/server/api/http/sync"
	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// Deps то, что API получает от сервера
type Deps struct {
	Service *sync.Service
	Events  http.Handler
	Probe   healthAPI.Probe
}

// New создает *chi.Mux со всеми операциями через huma.Register
func New(deps Deps, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()

	config := huma.DefaultConfig("possync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, config)

	h := handlers(deps, log)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)

	if deps.Events != nil {
		mux.Method(http.MethodGet, "/sync/events", deps.Events)
	}

	return mux
}

func handlers(deps Deps, log *slog.Logger) *Handlers {
	identityMW := device.New(deps.Service, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(log, deps.Probe, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(identityMW.Middleware())
	syncHandler := syncAPI.NewHandler(deps.Service, log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}
