package postgres

import (
	"context"
	"fmt"
	"time"

	"possync/internal/domain/sync"

	"github.com/jackc/pgx/v5"
)

// InTx выполняет fn в транзакции READ COMMITTED. Блокировки строк берутся через FOR UPDATE.
func (r *SyncRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx sync.Tx) error) error {
	pgTx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storageError("begin tx", err)
	}
	defer func() {
		// после Commit откат ничего не делает
		_ = pgTx.Rollback(ctx)
	}()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return sync.ErrVersionConflict
		}
		return storageError("commit tx", err)
	}
	return nil
}

type tx struct {
	q pgx.Tx
}

func (t *tx) GetOperation(ctx context.Context, deviceID, opID string) (*sync.Operation, error) {
	return getOperation(ctx, t.q, deviceID, opID, true)
}

func (t *tx) SetOperationStatus(ctx context.Context, deviceID, opID string, status sync.OperationStatus, lastError string, at time.Time) error {
	return setOperationStatus(ctx, t.q, deviceID, opID, status, lastError, at)
}

func (t *tx) LockEntity(ctx context.Context, collection sync.Collection, id string) (*sync.Entity, error) {
	return getEntity(ctx, t.q, collection, id, true)
}

func (t *tx) SaveEntity(ctx context.Context, e *sync.Entity, expectedVersion int64) error {
	data, err := encodeData(e.Data)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO entities (collection, id, data, version, modified_at, modified_by, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (collection, id) DO NOTHING`
	} else {
		query = `
			UPDATE entities SET
				data = $3, version = $4, modified_at = $5, modified_by = $6, deleted_at = $7
			WHERE collection = $1 AND id = $2 AND version = $8`
	}

	args := []any{e.Collection, e.ID, data, e.Version, e.ModifiedAt, e.ModifiedBy, e.DeletedAt}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}

	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return storageError("save entity", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrVersionConflict
	}
	return nil
}

func (t *tx) FindPendingConflict(ctx context.Context, deviceID string, collection sync.Collection, entityID string) (*sync.Conflict, error) {
	query := `SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE device_id = $1 AND collection = $2 AND server_item_id = $3 AND resolution = 'PENDING'
		FOR UPDATE`

	rows, err := t.q.Query(ctx, query, deviceID, collection, entityID)
	if err != nil {
		return nil, storageError("find pending conflict", err)
	}
	conflicts, err := scanConflicts(rows)
	if err != nil {
		return nil, storageError("find pending conflict", err)
	}
	if len(conflicts) == 0 {
		return nil, sync.ErrConflictNotFound
	}
	return conflicts[0], nil
}

func (t *tx) LockConflict(ctx context.Context, id string) (*sync.Conflict, error) {
	return getConflict(ctx, t.q, id, true)
}

func (t *tx) SaveConflict(ctx context.Context, c *sync.Conflict) error {
	local, err := encodeData(c.LocalData)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	server, err := encodeData(c.ServerData)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	resolved, err := encodeData(c.ResolvedData)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}

	const query = `
		INSERT INTO sync_conflicts (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			conflict_type = EXCLUDED.conflict_type,
			operation_id = EXCLUDED.operation_id,
			operation_ids = EXCLUDED.operation_ids,
			operation = EXCLUDED.operation,
			local_data = EXCLUDED.local_data,
			server_data = EXCLUDED.server_data,
			local_timestamp = EXCLUDED.local_timestamp,
			server_timestamp = EXCLUDED.server_timestamp,
			server_version = EXCLUDED.server_version,
			resolution = EXCLUDED.resolution,
			policy = EXCLUDED.policy,
			resolved_data = EXCLUDED.resolved_data,
			resolved_at = EXCLUDED.resolved_at,
			redelivered_at = EXCLUDED.redelivered_at`

	_, err = t.q.Exec(ctx, query,
		c.ID, c.DeviceID, c.Collection, c.LocalItemID, c.ServerItemID, c.Type, c.OperationID,
		c.OperationKind, local, server, c.LocalTimestamp, c.ServerTimestamp, c.ServerVersion, c.Resolution,
		c.Policy, resolved, c.CreatedAt, c.ResolvedAt, c.RedeliveredAt, c.Operations())
	if err != nil {
		if isUniqueViolation(err) {
			// параллельный push уже завёл PENDING-конфликт для этой сущности
			return sync.ErrVersionConflict
		}
		return storageError("save conflict", err)
	}
	return nil
}
