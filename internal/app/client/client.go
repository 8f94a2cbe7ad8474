// Package client реализует офлайн-клиент кассы: локальный журнал операций,
// реплику канонического состояния и синхронизацию с сервером.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/app/client/config"
	"possync/internal/domain/sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// App клиентское приложение: хранилище, HTTP-клиент и синхронизация
type App struct {
	config *config.Config
	log    *slog.Logger
	store  *SQLiteStorage
	api    *httpClient
	sync   *SyncService
	now    func() time.Time
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	store, err := NewSQLiteStorage(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, store, NewHTTPClient(cfg, log), log), nil
}

func newApp(cfg *config.Config, store *SQLiteStorage, api *httpClient, log *slog.Logger) *App {
	return &App{
		config: cfg,
		log:    log.With("component", "client", "device_id", cfg.DeviceID),
		store:  store,
		api:    api,
		sync: NewSyncService(store, api, SyncConfig{
			BatchSize:    cfg.BatchSize,
			PullPageSize: cfg.PullPageSize,
			MaxRetries:   cfg.MaxRetries,
		}, log),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) DeviceID() string {
	return a.config.DeviceID
}

// CheckConnection проверяет доступность сервера
func (a *App) CheckConnection(ctx context.Context) error {
	return a.api.HealthCheck(ctx)
}

// Record записывает изменение в локальный журнал. Для CREATE без entityID генерируется новый id.
func (a *App) Record(ctx context.Context, c sync.Collection, kind sync.OperationKind, entityID string, data map[string]any) (*LocalOperation, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown operation %q", kind)
	}
	if entityID == "" {
		if kind != sync.OperationCreate {
			return nil, errors.New("entity id is required for " + string(kind))
		}
		entityID = uuid.NewString()
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["id"] = entityID

	now := a.now()
	op := &LocalOperation{
		ID:              uuid.NewString(),
		Collection:      c,
		Kind:            kind,
		EntityID:        entityID,
		Data:            payload,
		ClientTimestamp: now,
		Status:          sync.StatusPending,
		CreatedAt:       now,
	}
	if _, err := a.store.RecordOperation(ctx, op); err != nil {
		return nil, err
	}
	a.log.Debug("operation recorded", "operation_id", op.ID, "collection", c, "operation", kind, "entity_id", entityID)
	return op, nil
}

func (a *App) Sync(ctx context.Context) (*SyncResult, error) {
	return a.sync.Sync(ctx)
}

func (a *App) SyncStats() SyncStats {
	return a.sync.GetStats()
}

// Item сущность реплики
func (a *App) Item(ctx context.Context, c sync.Collection, id string) (*ReplicaItem, error) {
	return a.store.GetItem(ctx, c, id)
}

func (a *App) Items(ctx context.Context, c sync.Collection, withDeleted bool) ([]*ReplicaItem, error) {
	return a.store.ListItems(ctx, c, withDeleted)
}

// Conflicts конфликты, известные устройству. remote запрашивает актуальный список у сервера
// и сохраняет его локально.
func (a *App) Conflicts(ctx context.Context, pendingOnly, remote bool) ([]sync.Conflict, error) {
	if !remote {
		return a.store.ListConflicts(ctx, pendingOnly)
	}
	conflicts, err := a.api.Conflicts(ctx, pendingOnly)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if err := a.store.SaveConflict(ctx, c); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// Resolve отправляет решение по одному конфликту
func (a *App) Resolve(ctx context.Context, conflictID string, resolution sync.Resolution, merged map[string]any) (*sync.ResolveResult, error) {
	switch resolution {
	case sync.ResolutionUseLocal, sync.ResolutionUseServer:
	case sync.ResolutionMerge:
		if merged == nil {
			return nil, errors.New("merged data is required for MERGE")
		}
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	return a.sync.Resolve(ctx, []sync.ConflictResolution{{
		ConflictID: conflictID,
		Resolution: resolution,
		MergedData: merged,
	}})
}

func (a *App) LocalStats(ctx context.Context) (*LocalStats, error) {
	return a.store.Stats(ctx)
}

func (a *App) RemoteStatus(ctx context.Context) (*sync.DeviceStatus, error) {
	return a.api.Status(ctx)
}

func (a *App) RemoteStats(ctx context.Context, c sync.Collection, days int) (*sync.DetailedStats, error) {
	return a.api.Stats(ctx, c, days)
}

// Cleanup удаляет подтвержденные операции старше days дней локально и на сервере
func (a *App) Cleanup(ctx context.Context, days int) (local, remote int, err error) {
	if days <= 0 {
		return 0, 0, errors.New("days must be positive")
	}
	local, err = a.store.Cleanup(ctx, a.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, 0, err
	}
	remote, err = a.api.Cleanup(ctx, days)
	if err != nil {
		return local, 0, err
	}
	return local, remote, nil
}

func marshalData(data map[string]any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(data)
}
