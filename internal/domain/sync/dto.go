package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DTO (Data Transfer Objects) для API синхронизации

// Timestamp метка времени, которую устройство может прислать строкой RFC3339
// или числом миллисекунд с начала эпохи
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			// числовая строка, как её шлют некоторые клиенты
			if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil {
				t.Time = time.UnixMilli(ms).UTC()
				return nil
			}
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}

	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", string(b))
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// OperationInput операция в том виде, в котором её прислало устройство.
// Проверка и приведение типов выполняются в ProcessPush.
type OperationInput struct {
	ID              string          `json:"id"`
	Collection      string          `json:"collection"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data"`
	ClientTimestamp Timestamp       `json:"clientTimestamp"`
	BaseVersion     int64           `json:"baseVersion,omitempty"`
	BaseTimestamp   *Timestamp      `json:"baseTimestamp,omitempty"`

	// DecodeError заполняется транспортным слоем, если элемент не удалось разобрать
	DecodeError string `json:"-"`
}

// PushResult результат приёма пакета операций
type PushResult struct {
	Success      bool              `json:"success"`
	Acknowledged int               `json:"acknowledged"`
	Duplicates   int               `json:"duplicates"`
	Conflicts    []Conflict        `json:"conflicts"`
	Errors       []SyncError       `json:"errors"`
	Results      []OperationResult `json:"results"`
	Timestamp    time.Time         `json:"timestamp"`
}

// SyncError ошибка обработки отдельной операции
type SyncError struct {
	OperationID string `json:"operationId,omitempty"`
	Index       int    `json:"index"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	Retryable   bool   `json:"retryable"`
}

// ResultStatus итог обработки одной операции пакета
type ResultStatus string

const (
	ResultAcknowledged ResultStatus = "ACKNOWLEDGED"
	ResultDuplicate    ResultStatus = "DUPLICATE"
	ResultConflict     ResultStatus = "CONFLICT"
	ResultDiscarded    ResultStatus = "DISCARDED"
	ResultRejected     ResultStatus = "REJECTED"
	ResultFailed       ResultStatus = "FAILED"
)

// OperationResult итог по одной операции, в порядке пакета
type OperationResult struct {
	OperationID string       `json:"operationId"`
	Status      ResultStatus `json:"status"`
	ConflictID  string       `json:"conflictId,omitempty"`
	Version     int64        `json:"version,omitempty"`
}

// PullRequest запрос дельты
type PullRequest struct {
	DeviceID          string       `json:"deviceId,omitempty"`
	LastSyncTimestamp time.Time    `json:"lastSyncTimestamp"`
	Collections       []Collection `json:"collections"`
	MaxItems          int          `json:"maxItems,omitempty"`
}

// PullResponse дельта канонического состояния для устройства
type PullResponse struct {
	Success     bool                            `json:"success"`
	Timestamp   time.Time                       `json:"timestamp"`
	HasMore     bool                            `json:"hasMore"`
	Collections map[Collection]*CollectionDelta `json:"collections"`
	Conflicts   []Conflict                      `json:"conflicts"`
}

// CollectionDelta изменения одной коллекции
type CollectionDelta struct {
	Items      []Item    `json:"items"`
	DeletedIDs []string  `json:"deletedIds"`
	Checkpoint time.Time `json:"checkpoint"`
	HasMore    bool      `json:"hasMore"`
}

// Item каноническая сущность в ответе pull
type Item struct {
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	ModifiedAt time.Time      `json:"modifiedAt"`
}

// ConflictResolution решение, присланное клиентом
type ConflictResolution struct {
	ConflictID string         `json:"conflictId"`
	Resolution Resolution     `json:"resolution"`
	MergedData map[string]any `json:"mergedData,omitempty"`
}

// ResolveResult результат применения решений
type ResolveResult struct {
	Success   bool            `json:"success"`
	Resolved  int             `json:"resolved"`
	Errors    []ResolveError  `json:"errors"`
	Conflicts []Conflict      `json:"conflicts"`
	Timestamp time.Time       `json:"timestamp"`
}

type ResolveError struct {
	ConflictID string `json:"conflictId"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

// DeviceRegistration данные устройства, пришедшие с запросом
type DeviceRegistration struct {
	DeviceID  string
	UserID    string
	Token     string
	Name      string
	UserAgent string
}

// SyncStats статистика журнала операций устройства
type SyncStats struct {
	DeviceID          string                         `json:"deviceId"`
	TotalItems        int                            `json:"totalItems"`
	PendingItems      int                            `json:"pendingItems"`
	FailedItems       int                            `json:"failedItems"`
	SuccessItems      int                            `json:"successItems"`
	ConflictItems     int                            `json:"conflictItems"`
	LastSyncTimestamp *time.Time                     `json:"lastSyncTimestamp,omitempty"`
	CollectionsStats  map[Collection]CollectionStats `json:"collectionsStats"`
}

// CollectionStats статистика по одной коллекции
type CollectionStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Success   int `json:"success"`
	Conflicts int `json:"conflicts"`
}

// StatsQuery параметры подробной статистики
type StatsQuery struct {
	DeviceID   string
	Collection Collection
	Days       int
}

// DetailedStats подробная статистика с рекомендациями
type DetailedStats struct {
	SyncStats
	Collection      Collection  `json:"collection,omitempty"`
	Days            int         `json:"days"`
	Since           time.Time   `json:"since"`
	State           DeviceState `json:"state"`
	Recommendations []string    `json:"recommendations"`
}
