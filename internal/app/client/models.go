package client

import (
	"errors"
	"time"

	"possync/internal/domain/sync"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrConflictNotFound = errors.New("conflict not found")
)

// LocalOperation операция в журнале устройства
type LocalOperation struct {
	ID              string
	Collection      sync.Collection
	Kind            sync.OperationKind
	EntityID        string
	Data            map[string]any
	ClientTimestamp time.Time
	BaseVersion     int64
	Status          sync.OperationStatus
	RetryCount      int
	LastError       string
	// HeldBy конфликт, до разрешения которого операция не отправляется
	HeldBy    string
	CreatedAt time.Time
	SyncedAt  *time.Time
}

// ReplicaItem локальная копия канонической сущности
type ReplicaItem struct {
	Collection sync.Collection `json:"collection"`
	ID         string          `json:"id"`
	Data       map[string]any  `json:"data"`
	Version    int64           `json:"version"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Deleted    bool            `json:"deleted"`
	// Dirty изменена локально и ещё не подтверждена сервером
	Dirty bool `json:"dirty"`
}

// LocalStats счетчики журнала устройства по статусам
type LocalStats struct {
	Pending   int
	Failed    int
	Success   int
	Held      int
	Conflicts int
	Cursor    time.Time
}

// SyncResult итог одного цикла синхронизации
type SyncResult struct {
	Pushed     int
	Duplicates int
	Rejected   int
	Failed     int
	Conflicts  int
	Pulled     int
	Deleted    int
	Pages      int
	Resolved   int
	Errors     []sync.SyncError
	Cursor     time.Time
	Duration   time.Duration
}
