package memory

import (
	"context"
	"time"

	"possync/internal/domain/sync"
)

// InTx выполняет fn под блокировкой хранилища. Изменения копятся в tx
// и применяются только если fn завершилась без ошибки.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context, tx sync.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:          s,
		operations: make(map[opKey]*sync.Operation),
		entities:   make(map[entityKey]*sync.Entity),
		conflicts:  make(map[string]*sync.Conflict),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}

	for k, op := range t.operations {
		s.operations[k] = op
	}
	for k, e := range t.entities {
		s.entities[k] = e
	}
	for id, c := range t.conflicts {
		s.conflicts[id] = c
	}
	return nil
}

type tx struct {
	s          *Storage
	operations map[opKey]*sync.Operation
	entities   map[entityKey]*sync.Entity
	conflicts  map[string]*sync.Conflict
}

func (t *tx) operation(deviceID, opID string) (*sync.Operation, bool) {
	k := opKey{deviceID, opID}
	if op, ok := t.operations[k]; ok {
		return op, true
	}
	op, ok := t.s.operations[k]
	return op, ok
}

func (t *tx) GetOperation(_ context.Context, deviceID, opID string) (*sync.Operation, error) {
	op, ok := t.operation(deviceID, opID)
	if !ok {
		return nil, sync.ErrOperationNotFound
	}
	return copyOperation(op), nil
}

func (t *tx) SetOperationStatus(_ context.Context, deviceID, opID string, status sync.OperationStatus, lastError string, at time.Time) error {
	op, ok := t.operation(deviceID, opID)
	if !ok {
		return sync.ErrOperationNotFound
	}
	staged := copyOperation(op)
	setStatus(staged, status, lastError, at)
	t.operations[opKey{deviceID, opID}] = staged
	return nil
}

func (t *tx) entity(collection sync.Collection, id string) (*sync.Entity, bool) {
	k := entityKey{collection, id}
	if e, ok := t.entities[k]; ok {
		return e, true
	}
	e, ok := t.s.entities[k]
	return e, ok
}

func (t *tx) LockEntity(_ context.Context, collection sync.Collection, id string) (*sync.Entity, error) {
	e, ok := t.entity(collection, id)
	if !ok {
		return nil, sync.ErrEntityNotFound
	}
	return copyEntity(e), nil
}

func (t *tx) SaveEntity(_ context.Context, entity *sync.Entity, expectedVersion int64) error {
	current, ok := t.entity(entity.Collection, entity.ID)
	switch {
	case !ok && expectedVersion != 0:
		return sync.ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return sync.ErrVersionConflict
	}
	t.entities[entityKey{entity.Collection, entity.ID}] = copyEntity(entity)
	return nil
}

func (t *tx) conflict(id string) (*sync.Conflict, bool) {
	if c, ok := t.conflicts[id]; ok {
		return c, true
	}
	c, ok := t.s.conflicts[id]
	return c, ok
}

func (t *tx) FindPendingConflict(_ context.Context, deviceID string, collection sync.Collection, entityID string) (*sync.Conflict, error) {
	match := func(c *sync.Conflict) bool {
		return c.DeviceID == deviceID && c.Collection == collection && c.ServerItemID == entityID && c.Pending()
	}
	for _, c := range t.conflicts {
		if match(c) {
			return copyConflict(c), nil
		}
	}
	for id, c := range t.s.conflicts {
		if _, staged := t.conflicts[id]; staged {
			continue
		}
		if match(c) {
			return copyConflict(c), nil
		}
	}
	return nil, sync.ErrConflictNotFound
}

func (t *tx) LockConflict(_ context.Context, id string) (*sync.Conflict, error) {
	c, ok := t.conflict(id)
	if !ok {
		return nil, sync.ErrConflictNotFound
	}
	return copyConflict(c), nil
}

func (t *tx) SaveConflict(_ context.Context, conflict *sync.Conflict) error {
	t.conflicts[conflict.ID] = copyConflict(conflict)
	return nil
}
