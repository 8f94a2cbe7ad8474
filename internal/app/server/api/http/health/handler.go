package health

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// Probe проверяет доступность хранилища
type Probe func(ctx context.Context) error

type Handler struct {
	log        *slog.Logger
	probe      Probe
	middleware huma.Middlewares
}

func NewHandler(log *slog.Logger, probe Probe, middleware huma.Middlewares) *Handler {
	return &Handler{
		log:        log,
		probe:      probe,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

func (h *Handler) healthCheck(ctx context.Context, _ *Input) (*Output, error) {
	h.log.Debug("health check request received")

	out := &Output{Body: Response{Status: "OK", Storage: "OK"}}
	if h.probe != nil {
		if err := h.probe(ctx); err != nil {
			h.log.Warn("storage is not reachable", "error", err)
			out.Body.Status = "DEGRADED"
			out.Body.Storage = "UNAVAILABLE"
		}
	}
	return out, nil
}
