package sync

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// Collection вид синхронизируемой сущности
type Collection string

const (
	CollectionProducts         Collection = "products"
	CollectionSales            Collection = "sales"
	CollectionCustomers        Collection = "customers"
	CollectionFinancialRecords Collection = "financial_records"
	CollectionCashTransactions Collection = "cash_transactions"
	CollectionSettings         Collection = "settings"
)

// Collections все коллекции, которые участвуют в синхронизации
var Collections = []Collection{
	CollectionProducts,
	CollectionSales,
	CollectionCustomers,
	CollectionFinancialRecords,
	CollectionCashTransactions,
	CollectionSettings,
}

// Valid проверяет, что коллекция входит в фиксированный набор
func (c Collection) Valid() bool {
	switch c {
	case CollectionProducts, CollectionSales, CollectionCustomers,
		CollectionFinancialRecords, CollectionCashTransactions, CollectionSettings:
		return true
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// OperationKind тип мутации
type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
	OperationDelete OperationKind = "DELETE"
)

func (k OperationKind) Valid() bool {
	return k == OperationCreate || k == OperationUpdate || k == OperationDelete
}

// OperationStatus жизненный цикл операции: PENDING → SYNCING → SUCCESS | FAILED
type OperationStatus string

const (
	StatusPending OperationStatus = "PENDING"
	StatusSyncing OperationStatus = "SYNCING"
	StatusSuccess OperationStatus = "SUCCESS"
	StatusFailed  OperationStatus = "FAILED"
)

// Operation одна мутация, сделанная на устройстве
type Operation struct {
	ID              string          `json:"id"`
	DeviceID        string          `json:"deviceId"`
	Collection      Collection      `json:"collection"`
	Kind            OperationKind   `json:"operation"`
	Data            map[string]any  `json:"data"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	BaseVersion     int64           `json:"baseVersion,omitempty"`
	BaseTimestamp   *time.Time      `json:"baseTimestamp,omitempty"`
	Status          OperationStatus `json:"status"`
	RetryCount      int             `json:"retryCount"`
	LastError       string          `json:"lastError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	SyncedAt        *time.Time      `json:"syncedAt,omitempty"`
}

// EntityID идентификатор сущности из payload (data.id)
func (o *Operation) EntityID() string {
	return entityID(o.Data)
}

func entityID(data map[string]any) string {
	if data == nil {
		return ""
	}
	switch v := data["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}

// Entity каноническое состояние сущности на сервере.
// Version и ModifiedAt образуют маркер оптимистичной блокировки,
// общий для синхронизации и прямых бизнес-маршрутов.
type Entity struct {
	Collection Collection     `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	ModifiedBy string         `json:"modifiedBy"`
	DeletedAt  *time.Time     `json:"deletedAt,omitempty"`
}

// Deleted сущность удалена (tombstone)
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Device зарегистрированное клиентское устройство
type Device struct {
	ID                string     `json:"deviceId"`
	UserID            string     `json:"userId,omitempty"`
	Name              string     `json:"name,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
	TokenHash         string     `json:"-"`
	LastSeen          time.Time  `json:"lastSeen"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// DeviceState состояние устройства в цикле синхронизации
type DeviceState string

const (
	DeviceUnregistered DeviceState = "UNREGISTERED"
	DeviceRegistered   DeviceState = "REGISTERED"
	DeviceSyncing      DeviceState = "SYNCING"
	DeviceIdle         DeviceState = "IDLE"
)

// ConflictType вид расхождения
type ConflictType string

const (
	ConflictBothModified  ConflictType = "BOTH_MODIFIED"
	ConflictServerDeleted ConflictType = "SERVER_DELETED"
	ConflictLocalDeleted  ConflictType = "LOCAL_DELETED"
)

// Resolution решение по конфликту
type Resolution string

const (
	ResolutionUseLocal  Resolution = "USE_LOCAL"
	ResolutionUseServer Resolution = "USE_SERVER"
	ResolutionMerge     Resolution = "MERGE"
	ResolutionPending   Resolution = "PENDING"
)

// Conflict расхождение между представлением устройства и каноническим состоянием
type Conflict struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"deviceId"`
	Collection      Collection     `json:"collection"`
	LocalItemID     string         `json:"localItemId"`
	ServerItemID    string         `json:"serverItemId"`
	Type            ConflictType   `json:"conflictType"`
	OperationID     string         `json:"operationId"`
	OperationIDs    []string       `json:"operationIds"`
	OperationKind   OperationKind  `json:"operation"`
	LocalData       map[string]any `json:"localData"`
	ServerData      map[string]any `json:"serverData"`
	LocalTimestamp  time.Time      `json:"localTimestamp"`
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	ServerVersion   int64          `json:"serverVersion"`
	Resolution      Resolution     `json:"resolution"`
	Policy          ConflictPolicy `json:"policy"`
	ResolvedData    map[string]any `json:"resolvedData,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	RedeliveredAt   *time.Time     `json:"-"`
}

// Pending конфликт ещё ждёт решения
func (c *Conflict) Pending() bool {
	return c.Resolution == ResolutionPending
}

// Operations операции устройства, ожидающие решения по конфликту
func (c *Conflict) Operations() []string {
	if len(c.OperationIDs) > 0 {
		return c.OperationIDs
	}
	if c.OperationID != "" {
		return []string{c.OperationID}
	}
	return []string{}
}

// attach присоединяет операцию к конфликту. Изменение полей дополняет
// накопленные локальные данные, удаление и запись после удаления заменяют их.
func (c *Conflict) attach(op *Operation) {
	ids := c.Operations()
	if !slices.Contains(ids, op.ID) {
		ids = append(slices.Clone(ids), op.ID)
	}
	c.OperationIDs = ids

	if c.LocalData == nil || op.Kind == OperationDelete || c.OperationKind == OperationDelete {
		c.LocalData = cloneData(op.Data)
		c.OperationKind = op.Kind
	} else {
		for k, v := range op.Data {
			c.LocalData[k] = v
		}
		if c.OperationKind != OperationCreate {
			c.OperationKind = op.Kind
		}
	}
	c.OperationID = op.ID
	c.LocalTimestamp = op.ClientTimestamp
}

// OperationCount количество операций журнала в разрезе коллекции и статуса
type OperationCount struct {
	Collection Collection
	Status     OperationStatus
	Count      int
}

// ChangeEvent уведомление об изменении канонического состояния
type ChangeEvent struct {
	DeviceID   string     `json:"deviceId"`
	Collection Collection `json:"collection"`
	IDs        []string   `json:"ids"`
	Timestamp  time.Time  `json:"timestamp"`
}
