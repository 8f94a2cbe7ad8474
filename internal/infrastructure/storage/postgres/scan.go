package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/domain/sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier общее у пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// storageError ошибки сервера PostgreSQL возвращаются как есть, сетевые и таймауты
// помечаются ErrStorageUnavailable, чтобы клиент повторил запрос
func storageError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, sync.ErrStorageUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func decodeData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode jsonb: %w", err)
	}
	return data, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

const operationColumns = `device_id, id, collection, operation, data, client_timestamp, base_version,
	base_timestamp, status, retry_count, last_error, created_at, synced_at`

func scanOperation(row pgx.Row) (*sync.Operation, error) {
	var (
		op  sync.Operation
		raw []byte
	)
	err := row.Scan(
		&op.DeviceID,
		&op.ID,
		&op.Collection,
		&op.Kind,
		&raw,
		&op.ClientTimestamp,
		&op.BaseVersion,
		&op.BaseTimestamp,
		&op.Status,
		&op.RetryCount,
		&op.LastError,
		&op.CreatedAt,
		&op.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if op.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	op.ClientTimestamp = op.ClientTimestamp.UTC()
	op.CreatedAt = op.CreatedAt.UTC()
	op.BaseTimestamp = utcPtr(op.BaseTimestamp)
	op.SyncedAt = utcPtr(op.SyncedAt)
	return &op, nil
}

const deviceColumns = `id, user_id, name, user_agent, token_hash, last_seen, last_sync_timestamp, archived_at, created_at`

func scanDevice(row pgx.Row) (*sync.Device, error) {
	var d sync.Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Name,
		&d.UserAgent,
		&d.TokenHash,
		&d.LastSeen,
		&d.LastSyncTimestamp,
		&d.ArchivedAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.LastSeen = d.LastSeen.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.LastSyncTimestamp = utcPtr(d.LastSyncTimestamp)
	d.ArchivedAt = utcPtr(d.ArchivedAt)
	return &d, nil
}

const entityColumns = `collection, id, data, version, modified_at, modified_by, deleted_at`

func scanEntity(row pgx.Row) (*sync.Entity, error) {
	var (
		e   sync.Entity
		raw []byte
	)
	err := row.Scan(&e.Collection, &e.ID, &raw, &e.Version, &e.ModifiedAt, &e.ModifiedBy, &e.DeletedAt)
	if err != nil {
		return nil, err
	}
	if e.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	e.ModifiedAt = e.ModifiedAt.UTC()
	e.DeletedAt = utcPtr(e.DeletedAt)
	return &e, nil
}

func scanEntities(rows pgx.Rows) ([]*sync.Entity, error) {
	defer rows.Close()

	var out []*sync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const conflictColumns = `id, device_id, collection, local_item_id, server_item_id, conflict_type, operation_id,
	operation, local_data, server_data, local_timestamp, server_timestamp, server_version, resolution,
	policy, resolved_data, created_at, resolved_at, redelivered_at, operation_ids`

func scanConflict(row pgx.Row) (*sync.Conflict, error) {
	var (
		c                          sync.Conflict
		local, server, resolvedRaw []byte
	)
	err := row.Scan(
		&c.ID,
		&c.DeviceID,
		&c.Collection,
		&c.LocalItemID,
		&c.ServerItemID,
		&c.Type,
		&c.OperationID,
		&c.OperationKind,
		&local,
		&server,
		&c.LocalTimestamp,
		&c.ServerTimestamp,
		&c.ServerVersion,
		&c.Resolution,
		&c.Policy,
		&resolvedRaw,
		&c.CreatedAt,
		&c.ResolvedAt,
		&c.RedeliveredAt,
		&c.OperationIDs,
	)
	if err != nil {
		return nil, err
	}
	if c.LocalData, err = decodeData(local); err != nil {
		return nil, err
	}
	if c.ServerData, err = decodeData(server); err != nil {
		return nil, err
	}
	if c.ResolvedData, err = decodeData(resolvedRaw); err != nil {
		return nil, err
	}
	c.LocalTimestamp = c.LocalTimestamp.UTC()
	c.ServerTimestamp = c.ServerTimestamp.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.ResolvedAt = utcPtr(c.ResolvedAt)
	c.RedeliveredAt = utcPtr(c.RedeliveredAt)
	return &c, nil
}

func scanConflicts(rows pgx.Rows) ([]*sync.Conflict, error) {
	defer rows.Close()

	var out []*sync.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
