// Package memory хранилище синхронизации в памяти процесса.
// Используется, когда DATABASE_URI не задан, и в тестах.
package memory

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

type opKey struct {
	device string
	id     string
}

type entityKey struct {
	collection sync.Collection
	id         string
}

// Storage реализация sync.Repository в памяти
type Storage struct {
	mu          stdsync.Mutex
	log         *slog.Logger
	operations  map[opKey]*sync.Operation
	devices     map[string]*sync.Device
	checkpoints map[string]map[sync.Collection]time.Time
	entities    map[entityKey]*sync.Entity
	conflicts   map[string]*sync.Conflict
}

var _ sync.Repository = (*Storage)(nil)

func New(log *slog.Logger) *Storage {
	return &Storage{
		log:         log.With("component", "memory_storage"),
		operations:  make(map[opKey]*sync.Operation),
		devices:     make(map[string]*sync.Device),
		checkpoints: make(map[string]map[sync.Collection]time.Time),
		entities:    make(map[entityKey]*sync.Entity),
		conflicts:   make(map[string]*sync.Conflict),
	}
}

func (s *Storage) Close() error {
	return nil
}

// Журнал операций

func (s *Storage) AppendOperation(_ context.Context, op *sync.Operation) (*sync.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := opKey{op.DeviceID, op.ID}
	if stored, ok := s.operations[key]; ok {
		return copyOperation(stored), nil
	}
	s.operations[key] = copyOperation(op)
	return copyOperation(op), nil
}

func (s *Storage) MarkOperationStatus(_ context.Context, deviceID, opID string, status sync.OperationStatus, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[opKey{deviceID, opID}]
	if !ok {
		return sync.ErrOperationNotFound
	}
	setStatus(op, status, lastError, at)
	return nil
}

func setStatus(op *sync.Operation, status sync.OperationStatus, lastError string, at time.Time) {
	if op.Status == sync.StatusSuccess {
		return
	}
	op.Status = status
	op.LastError = lastError
	switch status {
	case sync.StatusSuccess:
		t := at
		op.SyncedAt = &t
		op.LastError = ""
	case sync.StatusFailed:
		op.RetryCount++
	}
}

func (s *Storage) ListPendingOperations(_ context.Context, deviceID string) ([]*sync.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sync.Operation
	for k, op := range s.operations {
		if k.device == deviceID && op.Status != sync.StatusSuccess {
			out = append(out, copyOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ClientTimestamp.Equal(b.ClientTimestamp) {
			return a.ClientTimestamp.Before(b.ClientTimestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Storage) DeleteSyncedOperations(_ context.Context, deviceID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, op := range s.operations {
		if k.device != deviceID || op.Status != sync.StatusSuccess || op.SyncedAt == nil {
			continue
		}
		if op.SyncedAt.Before(before) {
			delete(s.operations, k)
			n++
		}
	}
	return n, nil
}

func (s *Storage) CountOperations(_ context.Context, deviceID string, since time.Time) ([]sync.OperationCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type countKey struct {
		collection sync.Collection
		status     sync.OperationStatus
	}
	counts := make(map[countKey]int)
	for k, op := range s.operations {
		if k.device != deviceID || op.CreatedAt.Before(since) {
			continue
		}
		counts[countKey{op.Collection, op.Status}]++
	}

	out := make([]sync.OperationCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, sync.OperationCount{Collection: k.collection, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// Устройства

func (s *Storage) GetDevice(_ context.Context, deviceID string) (*sync.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, sync.ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

func (s *Storage) CreateDevice(_ context.Context, device *sync.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; ok {
		return sync.ErrDeviceExists
	}
	s.devices[device.ID] = copyDevice(device)
	return nil
}

func (s *Storage) UpdateDevice(_ context.Context, device *sync.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; !ok {
		return sync.ErrDeviceNotFound
	}
	s.devices[device.ID] = copyDevice(device)
	return nil
}

func (s *Storage) TouchDevice(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return sync.ErrDeviceNotFound
	}
	d.LastSeen = at
	return nil
}

func (s *Storage) SetLastSync(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return sync.ErrDeviceNotFound
	}
	t := at
	d.LastSyncTimestamp = &t
	d.LastSeen = at
	return nil
}

func (s *Storage) ListDevices(_ context.Context) ([]*sync.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*sync.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) ArchiveDevicesUnseenSince(_ context.Context, before, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, d := range s.devices {
		if d.ArchivedAt == nil && d.LastSeen.Before(before) {
			t := at
			d.ArchivedAt = &t
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Storage) GetCheckpoints(_ context.Context, deviceID string) (map[sync.Collection]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[sync.Collection]time.Time)
	for c, ts := range s.checkpoints[deviceID] {
		out[c] = ts
	}
	return out, nil
}

func (s *Storage) AdvanceCheckpoint(_ context.Context, deviceID string, collection sync.Collection, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, ok := s.checkpoints[deviceID]
	if !ok {
		cps = make(map[sync.Collection]time.Time)
		s.checkpoints[deviceID] = cps
	}
	if ts.After(cps[collection]) {
		cps[collection] = ts
	}
	return nil
}

// Каноническое состояние

func (s *Storage) GetEntity(_ context.Context, collection sync.Collection, id string) (*sync.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityKey{collection, id}]
	if !ok {
		return nil, sync.ErrEntityNotFound
	}
	return copyEntity(e), nil
}

func (s *Storage) ListChangedEntities(_ context.Context, collection sync.Collection, since time.Time, limit int) ([]*sync.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sync.Entity
	for k, e := range s.entities {
		if k.collection == collection && e.ModifiedAt.After(since) {
			out = append(out, copyEntity(e))
		}
	}
	sortEntities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) ListEntitiesModifiedAt(_ context.Context, collection sync.Collection, at time.Time) ([]*sync.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sync.Entity
	for k, e := range s.entities {
		if k.collection == collection && e.ModifiedAt.Equal(at) {
			out = append(out, copyEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func sortEntities(es []*sync.Entity) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].ModifiedAt.Equal(es[j].ModifiedAt) {
			return es[i].ModifiedAt.Before(es[j].ModifiedAt)
		}
		return es[i].ID < es[j].ID
	})
}

// Конфликты

func (s *Storage) GetConflict(_ context.Context, id string) (*sync.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, sync.ErrConflictNotFound
	}
	return copyConflict(c), nil
}

func (s *Storage) ListConflicts(_ context.Context, deviceID string, pendingOnly bool) ([]*sync.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sync.Conflict
	for _, c := range s.conflicts {
		if c.DeviceID != deviceID || (pendingOnly && !c.Pending()) {
			continue
		}
		out = append(out, copyConflict(c))
	}
	sortConflicts(out)
	return out, nil
}

func (s *Storage) ListUndeliveredResolutions(_ context.Context, deviceID string) ([]*sync.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sync.Conflict
	for _, c := range s.conflicts {
		if c.DeviceID == deviceID && !c.Pending() && c.RedeliveredAt == nil {
			out = append(out, copyConflict(c))
		}
	}
	sortConflicts(out)
	return out, nil
}

func (s *Storage) MarkConflictsRedelivered(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if c, ok := s.conflicts[id]; ok {
			t := at
			c.RedeliveredAt = &t
		}
	}
	return nil
}

func sortConflicts(cs []*sync.Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
