package sync

import (
	"context"
	"time"
)

// OperationLog журнал операций устройств
type OperationLog interface {
	// AppendOperation сохраняет операцию, если её ещё нет, и возвращает сохранённую версию.
	// Повторная отправка того же (deviceId, id) возвращает уже записанную операцию.
	AppendOperation(ctx context.Context, op *Operation) (*Operation, error)
	// MarkOperationStatus переводит операцию в новый статус. SUCCESS выставляет syncedAt,
	// FAILED увеличивает retryCount. Операции в SUCCESS не перезаписываются.
	MarkOperationStatus(ctx context.Context, deviceID, opID string, status OperationStatus, lastError string, at time.Time) error
	// ListPendingOperations операции не в SUCCESS, по возрастанию clientTimestamp
	ListPendingOperations(ctx context.Context, deviceID string) ([]*Operation, error)
	// DeleteSyncedOperations удаляет SUCCESS-операции с syncedAt раньше before
	DeleteSyncedOperations(ctx context.Context, deviceID string, before time.Time) (int, error)
	// CountOperations считает операции по коллекциям и статусам, созданные не раньше since
	CountOperations(ctx context.Context, deviceID string, since time.Time) ([]OperationCount, error)
}

// DeviceRepository реестр устройств и их контрольных точек
type DeviceRepository interface {
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// CreateDevice возвращает ErrDeviceExists, если устройство уже есть
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	SetLastSync(ctx context.Context, deviceID string, at time.Time) error
	ListDevices(ctx context.Context) ([]*Device, error)
	ArchiveDevicesUnseenSince(ctx context.Context, before, at time.Time) ([]string, error)

	GetCheckpoints(ctx context.Context, deviceID string) (map[Collection]time.Time, error)
	// AdvanceCheckpoint никогда не сдвигает контрольную точку назад
	AdvanceCheckpoint(ctx context.Context, deviceID string, collection Collection, ts time.Time) error
}

// EntityReader чтение канонического состояния вне транзакции
type EntityReader interface {
	GetEntity(ctx context.Context, collection Collection, id string) (*Entity, error)
	// ListChangedEntities сущности с modifiedAt > since в порядке (modifiedAt, id), включая удалённые
	ListChangedEntities(ctx context.Context, collection Collection, since time.Time, limit int) ([]*Entity, error)
	// ListEntitiesModifiedAt все сущности с modifiedAt == at
	ListEntitiesModifiedAt(ctx context.Context, collection Collection, at time.Time) ([]*Entity, error)
}

// ConflictRepository чтение конфликтов вне транзакции
type ConflictRepository interface {
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, deviceID string, pendingOnly bool) ([]*Conflict, error)
	// ListUndeliveredResolutions решённые конфликты, о которых устройство ещё не узнало через pull
	ListUndeliveredResolutions(ctx context.Context, deviceID string) ([]*Conflict, error)
	MarkConflictsRedelivered(ctx context.Context, ids []string, at time.Time) error
}

// Tx операции, выполняемые внутри одной транзакции
type Tx interface {
	GetOperation(ctx context.Context, deviceID, opID string) (*Operation, error)
	SetOperationStatus(ctx context.Context, deviceID, opID string, status OperationStatus, lastError string, at time.Time) error

	// LockEntity блокирует строку сущности до конца транзакции, ErrEntityNotFound если её нет
	LockEntity(ctx context.Context, collection Collection, id string) (*Entity, error)
	// SaveEntity записывает сущность, если её текущая версия равна expectedVersion.
	// expectedVersion = 0 означает, что сущности ещё нет. Иначе ErrVersionConflict.
	SaveEntity(ctx context.Context, entity *Entity, expectedVersion int64) error

	FindPendingConflict(ctx context.Context, deviceID string, collection Collection, entityID string) (*Conflict, error)
	LockConflict(ctx context.Context, id string) (*Conflict, error)
	SaveConflict(ctx context.Context, conflict *Conflict) error
}

// Transactor выполняет fn в транзакции. Ошибка fn откатывает транзакцию.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Repository интерфейс хранилища синхронизации
type Repository interface {
	OperationLog
	DeviceRepository
	EntityReader
	ConflictRepository
	Transactor
}
