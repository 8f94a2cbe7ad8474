package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possync/internal/domain/sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"
)

// SyncRepository реализация репозитория синхронизации для PostgreSQL
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ sync.Repository = (*SyncRepository)(nil)

// NewSyncRepository создает новый репозиторий синхронизации
func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With("component", "sync_repository"),
	}
}

// Журнал операций

func (r *SyncRepository) AppendOperation(ctx context.Context, op *sync.Operation) (*sync.Operation, error) {
	data, err := encodeData(op.Data)
	if err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}
	if data == nil {
		data = []byte("{}")
	}

	const insert = `
		INSERT INTO sync_operations
			(device_id, id, collection, operation, data, client_timestamp, base_version,
			 base_timestamp, status, retry_count, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, '', $10)
		ON CONFLICT (device_id, id) DO NOTHING`

	_, err = r.pool.Exec(ctx, insert,
		op.DeviceID, op.ID, op.Collection, op.Kind, data, op.ClientTimestamp, op.BaseVersion,
		op.BaseTimestamp, op.Status, op.CreatedAt)
	if err != nil {
		r.log.Error("failed to append operation", "device_id", op.DeviceID, "operation_id", op.ID, "error", err)
		return nil, storageError("append operation", err)
	}

	stored, err := getOperation(ctx, r.pool, op.DeviceID, op.ID, false)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func getOperation(ctx context.Context, q querier, deviceID, opID string, lock bool) (*sync.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE device_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	op, err := scanOperation(q.QueryRow(ctx, query, deviceID, opID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrOperationNotFound
		}
		return nil, storageError("get operation", err)
	}
	return op, nil
}

func setOperationStatus(ctx context.Context, q querier, deviceID, opID string, status sync.OperationStatus, lastError string, at time.Time) error {
	const query = `
		UPDATE sync_operations SET
			status = $3,
			last_error = $4,
			retry_count = retry_count + CASE WHEN $3 = 'FAILED' THEN 1 ELSE 0 END,
			synced_at = CASE WHEN $3 = 'SUCCESS' THEN $5 ELSE synced_at END
		WHERE device_id = $1 AND id = $2 AND status <> 'SUCCESS'`

	tag, err := q.Exec(ctx, query, deviceID, opID, string(status), lastError, at)
	if err != nil {
		return storageError("set operation status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// либо операции нет, либо она уже SUCCESS и не меняется
	var exists bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_operations WHERE device_id = $1 AND id = $2)`,
		deviceID, opID).Scan(&exists)
	if err != nil {
		return storageError("set operation status", err)
	}
	if !exists {
		return sync.ErrOperationNotFound
	}
	return nil
}

func (r *SyncRepository) MarkOperationStatus(ctx context.Context, deviceID, opID string, status sync.OperationStatus, lastError string, at time.Time) error {
	return setOperationStatus(ctx, r.pool, deviceID, opID, status, lastError, at)
}

func (r *SyncRepository) ListPendingOperations(ctx context.Context, deviceID string) ([]*sync.Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM sync_operations
		WHERE device_id = $1 AND status <> 'SUCCESS'
		ORDER BY client_timestamp, created_at, id`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, storageError("list pending operations", err)
	}
	defer rows.Close()

	var out []*sync.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list pending operations", err)
	}
	return out, nil
}

func (r *SyncRepository) DeleteSyncedOperations(ctx context.Context, deviceID string, before time.Time) (int, error) {
	const query = `
		DELETE FROM sync_operations
		WHERE device_id = $1 AND status = 'SUCCESS' AND synced_at < $2`

	tag, err := r.pool.Exec(ctx, query, deviceID, before)
	if err != nil {
		return 0, storageError("delete synced operations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *SyncRepository) CountOperations(ctx context.Context, deviceID string, since time.Time) ([]sync.OperationCount, error) {
	const query = `
		SELECT collection, status, COUNT(*)
		FROM sync_operations
		WHERE device_id = $1 AND created_at >= $2
		GROUP BY collection, status
		ORDER BY collection, status`

	rows, err := r.pool.Query(ctx, query, deviceID, since)
	if err != nil {
		return nil, storageError("count operations", err)
	}
	defer rows.Close()

	out := []sync.OperationCount{}
	for rows.Next() {
		var c sync.OperationCount
		if err := rows.Scan(&c.Collection, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan operation count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count operations", err)
	}
	return out, nil
}

// Устройства

func (r *SyncRepository) GetDevice(ctx context.Context, deviceID string) (*sync.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrDeviceNotFound
		}
		return nil, storageError("get device", err)
	}
	return d, nil
}

func (r *SyncRepository) CreateDevice(ctx context.Context, d *sync.Device) error {
	const query = `
		INSERT INTO devices (id, user_id, name, user_agent, token_hash, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query, d.ID, d.UserID, d.Name, d.UserAgent, d.TokenHash, d.LastSeen, d.CreatedAt)
	if err != nil {
		return storageError("create device", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrDeviceExists
	}
	return nil
}

func (r *SyncRepository) UpdateDevice(ctx context.Context, d *sync.Device) error {
	const query = `
		UPDATE devices SET
			user_id = $2, name = $3, user_agent = $4, token_hash = $5,
			last_seen = $6, last_sync_timestamp = $7, archived_at = $8
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query,
		d.ID, d.UserID, d.Name, d.UserAgent, d.TokenHash, d.LastSeen, d.LastSyncTimestamp, d.ArchivedAt)
	if err != nil {
		return storageError("update device", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrDeviceNotFound
	}
	return nil
}

func (r *SyncRepository) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE devices SET last_seen = GREATEST(last_seen, $2) WHERE id = $1`, deviceID, at)
	if err != nil {
		return storageError("touch device", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrDeviceNotFound
	}
	return nil
}

func (r *SyncRepository) SetLastSync(ctx context.Context, deviceID string, at time.Time) error {
	const query = `
		UPDATE devices SET last_sync_timestamp = $2, last_seen = GREATEST(last_seen, $2)
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, deviceID, at)
	if err != nil {
		return storageError("set last sync", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrDeviceNotFound
	}
	return nil
}

func (r *SyncRepository) ListDevices(ctx context.Context) ([]*sync.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, storageError("list devices", err)
	}
	defer rows.Close()

	var out []*sync.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list devices", err)
	}
	return out, nil
}

func (r *SyncRepository) ArchiveDevicesUnseenSince(ctx context.Context, before, at time.Time) ([]string, error) {
	const query = `UPDATE devices SET archived_at = $2 WHERE archived_at IS NULL AND last_seen < $1 RETURNING id`

	rows, err := r.pool.Query(ctx, query, before, at)
	if err != nil {
		return nil, storageError("archive devices", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storageError("archive devices", err)
	}
	return ids, nil
}

func (r *SyncRepository) GetCheckpoints(ctx context.Context, deviceID string) (map[sync.Collection]time.Time, error) {
	rows, err := r.pool.Query(ctx, `SELECT collection, checkpoint FROM sync_checkpoints WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, storageError("get checkpoints", err)
	}
	defer rows.Close()

	out := make(map[sync.Collection]time.Time)
	for rows.Next() {
		var (
			c  sync.Collection
			ts time.Time
		)
		if err := rows.Scan(&c, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[c] = ts.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("get checkpoints", err)
	}
	return out, nil
}

func (r *SyncRepository) AdvanceCheckpoint(ctx context.Context, deviceID string, collection sync.Collection, ts time.Time) error {
	const query = `
		INSERT INTO sync_checkpoints (device_id, collection, checkpoint)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, collection) DO UPDATE
		SET checkpoint = GREATEST(sync_checkpoints.checkpoint, EXCLUDED.checkpoint)`

	if _, err := r.pool.Exec(ctx, query, deviceID, collection, ts); err != nil {
		return storageError("advance checkpoint", err)
	}
	return nil
}

// Каноническое состояние

func (r *SyncRepository) GetEntity(ctx context.Context, collection sync.Collection, id string) (*sync.Entity, error) {
	return getEntity(ctx, r.pool, collection, id, false)
}

func getEntity(ctx context.Context, q querier, collection sync.Collection, id string, lock bool) (*sync.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE collection = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	e, err := scanEntity(q.QueryRow(ctx, query, collection, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrEntityNotFound
		}
		return nil, storageError("get entity", err)
	}
	return e, nil
}

func (r *SyncRepository) ListChangedEntities(ctx context.Context, collection sync.Collection, since time.Time, limit int) ([]*sync.Entity, error) {
	query := `SELECT ` + entityColumns + `
		FROM entities
		WHERE collection = $1 AND modified_at > $2
		ORDER BY modified_at, id
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, collection, since, limit)
	if err != nil {
		return nil, storageError("list changed entities", err)
	}
	out, err := scanEntities(rows)
	if err != nil {
		return nil, storageError("list changed entities", err)
	}
	return out, nil
}

func (r *SyncRepository) ListEntitiesModifiedAt(ctx context.Context, collection sync.Collection, at time.Time) ([]*sync.Entity, error) {
	query := `SELECT ` + entityColumns + `
		FROM entities
		WHERE collection = $1 AND modified_at = $2
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, collection, at)
	if err != nil {
		return nil, storageError("list entities modified at", err)
	}
	out, err := scanEntities(rows)
	if err != nil {
		return nil, storageError("list entities modified at", err)
	}
	return out, nil
}

// Конфликты

func (r *SyncRepository) GetConflict(ctx context.Context, id string) (*sync.Conflict, error) {
	return getConflict(ctx, r.pool, id, false)
}

func getConflict(ctx context.Context, q querier, id string, lock bool) (*sync.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	c, err := scanConflict(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrConflictNotFound
		}
		return nil, storageError("get conflict", err)
	}
	return c, nil
}

func (r *SyncRepository) ListConflicts(ctx context.Context, deviceID string, pendingOnly bool) ([]*sync.Conflict, error) {
	query := `SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE device_id = $1 AND ($2 = FALSE OR resolution = 'PENDING')
		ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, deviceID, pendingOnly)
	if err != nil {
		return nil, storageError("list conflicts", err)
	}
	out, err := scanConflicts(rows)
	if err != nil {
		return nil, storageError("list conflicts", err)
	}
	return out, nil
}

func (r *SyncRepository) ListUndeliveredResolutions(ctx context.Context, deviceID string) ([]*sync.Conflict, error) {
	query := `SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE device_id = $1 AND resolution <> 'PENDING' AND redelivered_at IS NULL
		ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, storageError("list undelivered resolutions", err)
	}
	out, err := scanConflicts(rows)
	if err != nil {
		return nil, storageError("list undelivered resolutions", err)
	}
	return out, nil
}

func (r *SyncRepository) MarkConflictsRedelivered(ctx context.Context, ids []string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_conflicts SET redelivered_at = $2 WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return storageError("mark conflicts redelivered", err)
	}
	return nil
}
