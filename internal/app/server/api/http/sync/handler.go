package sync

import (
	"context"
	"net/http"

	"possync/internal/app/server/api/http/apierror"
	"possync/internal/app/server/api/http/middleware/device"
	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log.With("component", "sync_handler"),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.resolveOp(), h.resolve)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.statsOp(), h.stats)
	huma.Register(api, h.cleanupOp(), h.cleanup)
	huma.Register(api, h.conflictsOp(), h.conflicts)
}

func (h *Handler) deviceID(ctx context.Context) (string, error) {
	dc, ok := device.FromContext(ctx)
	if !ok {
		return "", apierror.BadRequest(sync.CodeDeviceIDMissing, "device identity is missing")
	}
	return dc.DeviceID, nil
}

// fail переводит ошибку сервиса в ответ и логирует серверные сбои
func (h *Handler) fail(op, deviceID string, err error) error {
	apiErr := apierror.FromDomain(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", "device_id", deviceID, "error", err)
	} else {
		h.log.Debug(op+" rejected", "device_id", deviceID, "code", apiErr.Code, "error", err)
	}
	return apiErr
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	ops, err := decodePush(input.RawBody)
	if err != nil {
		return nil, err
	}

	result, err := h.service.ProcessPush(ctx, deviceID, ops)
	if err != nil {
		return nil, h.fail("push", deviceID, err)
	}
	return &pushOutput{Body: result}, nil
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	body, collections, err := decodePull(input.RawBody)
	if err != nil {
		return nil, err
	}
	if body.DeviceID != "" && body.DeviceID != deviceID {
		return nil, apierror.New(http.StatusForbidden, sync.CodeDeviceMismatch, "deviceId does not match the requesting device")
	}

	resp, err := h.service.ProcessPull(ctx, deviceID, sync.PullRequest{
		DeviceID:          deviceID,
		LastSyncTimestamp: body.LastSyncTimestamp.Time,
		Collections:       collections,
		MaxItems:          body.MaxItems,
	})
	if err != nil {
		return nil, h.fail("pull", deviceID, err)
	}
	return &pullOutput{Body: resp}, nil
}

func (h *Handler) resolve(ctx context.Context, input *resolveInput) (*resolveOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	resolutions, err := decodeResolve(input.RawBody)
	if err != nil {
		return nil, err
	}

	result, err := h.service.ResolveConflicts(ctx, deviceID, resolutions)
	if err != nil {
		return nil, h.fail("resolve conflicts", deviceID, err)
	}
	return &resolveOutput{Body: result}, nil
}

func (h *Handler) status(ctx context.Context, _ *statusInput) (*statusOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	st, err := h.service.GetStatus(ctx, deviceID)
	if err != nil {
		return nil, h.fail("status", deviceID, err)
	}
	return &statusOutput{Body: statusResponse{Success: true, DeviceStatus: *st}}, nil
}

func (h *Handler) stats(ctx context.Context, input *statsInput) (*statsOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}
	if input.DeviceID != "" && input.DeviceID != deviceID {
		return nil, apierror.New(http.StatusForbidden, sync.CodeDeviceMismatch, "deviceId does not match the requesting device")
	}

	st, err := h.service.GetDetailedStats(ctx, sync.StatsQuery{
		DeviceID:   deviceID,
		Collection: sync.Collection(input.Collection),
		Days:       input.Days,
	})
	if err != nil {
		return nil, h.fail("stats", deviceID, err)
	}
	return &statsOutput{Body: statsResponse{Success: true, DetailedStats: *st}}, nil
}

func (h *Handler) cleanup(ctx context.Context, input *cleanupInput) (*cleanupOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	removed, err := h.service.CleanupOldData(ctx, deviceID, input.Days)
	if err != nil {
		return nil, h.fail("cleanup", deviceID, err)
	}

	return &cleanupOutput{Body: cleanupResponse{
		Success: true,
		Removed: removed,
		Days:    input.Days,
		Device:  deviceID,
	}}, nil
}

func (h *Handler) conflicts(ctx context.Context, input *conflictsInput) (*conflictsOutput, error) {
	deviceID, err := h.deviceID(ctx)
	if err != nil {
		return nil, err
	}

	conflicts, err := h.service.ListConflicts(ctx, deviceID, input.Pending)
	if err != nil {
		return nil, h.fail("list conflicts", deviceID, err)
	}
	if conflicts == nil {
		conflicts = []sync.Conflict{}
	}
	return &conflictsOutput{Body: conflictsResponse{Success: true, Conflicts: conflicts}}, nil
}
