package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// Servicer интерфейс сервиса синхронизации
type Servicer interface {
	// RegisterDevice регистрирует устройство при первом обращении и проверяет его токен
	RegisterDevice(ctx context.Context, reg DeviceRegistration) (*Device, error)

	// ProcessPush принимает пакет операций устройства
	ProcessPush(ctx context.Context, deviceID string, ops []OperationInput) (*PushResult, error)

	// ProcessPull возвращает изменения канонического состояния после контрольной точки
	ProcessPull(ctx context.Context, deviceID string, req PullRequest) (*PullResponse, error)

	// ResolveConflicts применяет решения клиента по конфликтам
	ResolveConflicts(ctx context.Context, deviceID string, resolutions []ConflictResolution) (*ResolveResult, error)

	// ListConflicts конфликты устройства
	ListConflicts(ctx context.Context, deviceID string, pendingOnly bool) ([]Conflict, error)

	// GetStatus состояние устройства и статистика журнала
	GetStatus(ctx context.Context, deviceID string) (*DeviceStatus, error)

	// GetSyncStats статистика журнала операций
	GetSyncStats(ctx context.Context, deviceID string) (*SyncStats, error)

	// GetDetailedStats статистика за период с рекомендациями
	GetDetailedStats(ctx context.Context, q StatsQuery) (*DetailedStats, error)

	// CleanupOldData удаляет синхронизированные операции старше days дней
	CleanupOldData(ctx context.Context, deviceID string, days int) (int, error)
}

// ChangeNotifier получает уведомления об изменениях канонического состояния
type ChangeNotifier interface {
	Notify(event ChangeEvent)
}

// ServiceConfig настройки сервиса синхронизации
type ServiceConfig struct {
	MaxBatch          int
	MaxPullItems      int
	MaxPullItemsLimit int
	Policies          Policies
	TokenCost         int
}

// DefaultServiceConfig значения по умолчанию
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxBatch:          1000,
		MaxPullItems:      500,
		MaxPullItemsLimit: 5000,
		Policies:          DefaultPolicies(),
		TokenCost:         bcrypt.DefaultCost,
	}
}

// Service реализация сервиса синхронизации
type Service struct {
	repo     Repository
	log      *slog.Logger
	config   ServiceConfig
	clock    Clock
	notifier ChangeNotifier
	activity *ActivityRegistry
}

type Option func(*Service)

// WithNotifier подключает получателя уведомлений об изменениях
func WithNotifier(n ChangeNotifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock подменяет источник серверного времени
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// NewService создает новый сервис синхронизации
func NewService(repo Repository, log *slog.Logger, config *ServiceConfig, opts ...Option) *Service {
	cfg := DefaultServiceConfig()
	if config != nil {
		cfg = *config
	}
	def := DefaultServiceConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxPullItemsLimit <= 0 {
		cfg.MaxPullItemsLimit = def.MaxPullItemsLimit
	}
	if cfg.MaxPullItems <= 0 {
		cfg.MaxPullItems = def.MaxPullItems
	}
	if cfg.MaxPullItems > cfg.MaxPullItemsLimit {
		cfg.MaxPullItems = cfg.MaxPullItemsLimit
	}
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	if cfg.TokenCost == 0 {
		cfg.TokenCost = def.TokenCost
	}

	s := &Service{
		repo:     repo,
		log:      log.With("component", "sync"),
		config:   cfg,
		clock:    NewMonotonicClock(nil),
		activity: NewActivityRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeviceStatus состояние устройства
type DeviceStatus struct {
	Device      *Device                  `json:"device"`
	State       DeviceState              `json:"state"`
	Checkpoints map[Collection]time.Time `json:"checkpoints"`
	Stats       *SyncStats               `json:"stats"`
	ServerTime  time.Time                `json:"serverTime"`
}

// GetStatus возвращает устройство, его контрольные точки и статистику
func (s *Service) GetStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	checkpoints, err := s.repo.GetCheckpoints(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoints: %w", err)
	}

	stats, err := s.GetSyncStats(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return &DeviceStatus{
		Device:      device,
		State:       s.activity.State(deviceID),
		Checkpoints: checkpoints,
		Stats:       stats,
		ServerTime:  s.clock.Now(),
	}, nil
}

// ListConflicts возвращает конфликты устройства
func (s *Service) ListConflicts(ctx context.Context, deviceID string, pendingOnly bool) ([]Conflict, error) {
	conflicts, err := s.repo.ListConflicts(ctx, deviceID, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	out := make([]Conflict, len(conflicts))
	for i, c := range conflicts {
		out[i] = *c
	}
	return out, nil
}

func (s *Service) notify(deviceID string, changed map[Collection][]string, at time.Time) {
	if s.notifier == nil {
		return
	}
	for _, c := range Collections {
		ids := changed[c]
		if len(ids) == 0 {
			continue
		}
		s.notifier.Notify(ChangeEvent{DeviceID: deviceID, Collection: c, IDs: ids, Timestamp: at})
	}
}
