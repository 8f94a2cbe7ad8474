package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/domain/sync"

	_ "github.com/mattn/go-sqlite3"
)

const (
	metaCursor           = "cursor"
	metaCheckpointPrefix = "checkpoint:"
)

// SQLiteStorage журнал операций и реплика канонического состояния на устройстве
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// один писатель, иначе SQLite отвечает SQLITE_BUSY
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}
	if err := storage.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return storage, nil
}

func (s *SQLiteStorage) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			operation TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL,
			client_ts INTEGER NOT NULL,
			base_version INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			hold TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			synced_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_operations_pending ON operations(status, client_ts, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(collection, entity_id);
		CREATE INDEX IF NOT EXISTS idx_operations_hold ON operations(hold);

		CREATE TABLE IF NOT EXISTS replica (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			modified_at INTEGER NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT 0,
			dirty BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, id)
		);

		-- метки в наносекундах, чтобы курсор не отставал от modifiedAt сервера
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			item_id TEXT NOT NULL,
			resolution TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// RecordOperation добавляет операцию в журнал и сразу применяет её к реплике.
// Повторная запись операции с тем же id ничего не меняет.
func (s *SQLiteStorage) RecordOperation(ctx context.Context, op *LocalOperation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := getItem(ctx, tx, op.Collection, op.EntityID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return false, err
	}
	if op.BaseVersion == 0 && current != nil {
		op.BaseVersion = current.Version
	}

	data := op.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to encode data: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations
			(id, collection, operation, entity_id, data, client_ts, base_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)
	`, op.ID, op.Collection, op.Kind, op.EntityID, string(raw),
		op.ClientTimestamp.UnixMilli(), op.BaseVersion, op.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	merged := map[string]any{}
	var version int64
	if current != nil {
		version = current.Version
		if op.Kind != sync.OperationCreate || !current.Deleted {
			for k, v := range current.Data {
				merged[k] = v
			}
		}
	}
	for k, v := range data {
		merged[k] = v
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("failed to encode replica: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO replica (collection, id, data, version, modified_at, deleted, dirty)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			modified_at = excluded.modified_at,
			deleted = excluded.deleted,
			dirty = 1
	`, op.Collection, op.EntityID, string(mergedRaw), version,
		op.ClientTimestamp.UnixMilli(), op.Kind == sync.OperationDelete)
	if err != nil {
		return false, fmt.Errorf("failed to update replica: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ListPending операции, которые нужно отправить: не SUCCESS, не удержанные конфликтом
// и не исчерпавшие попытки. Порядок: clientTimestamp, createdAt, id.
func (s *SQLiteStorage) ListPending(ctx context.Context, limit, maxRetries int) ([]*LocalOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, operation, entity_id, data, client_ts, base_version,
		       status, retry_count, last_error, hold, created_at, synced_at
		FROM operations
		WHERE status <> 'SUCCESS' AND hold = '' AND retry_count < ?
		ORDER BY client_ts, created_at, id
		LIMIT ?
	`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending: %w", err)
	}
	defer rows.Close()

	var ops []*LocalOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOperation операция журнала по id
func (s *SQLiteStorage) GetOperation(ctx context.Context, id string) (*LocalOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, operation, entity_id, data, client_ts, base_version,
		       status, retry_count, last_error, hold, created_at, synced_at
		FROM operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, sync.ErrOperationNotFound)
	}
	return op, err
}

// MarkStatus меняет статус операции. SUCCESS не перезаписывается, FAILED увеличивает retry_count.
func (s *SQLiteStorage) MarkStatus(ctx context.Context, id string, status sync.OperationStatus, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var c sync.Collection
	var entityID string
	err = tx.QueryRowContext(ctx, "SELECT collection, entity_id FROM operations WHERE id = ?", id).Scan(&c, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %s: %w", id, sync.ErrOperationNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get operation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE operations SET
			status = ?,
			last_error = ?,
			retry_count = retry_count + CASE WHEN ? = 'FAILED' THEN 1 ELSE 0 END,
			synced_at = CASE WHEN ? = 'SUCCESS' THEN ? ELSE synced_at END
		WHERE id = ? AND status <> 'SUCCESS'
	`, status, lastError, status, status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation: %w", err)
	}
	if status == sync.StatusSuccess {
		if err := clearDirty(ctx, tx, c, entityID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Retire закрывает операцию, которую сервер отклонил без права повтора
func (s *SQLiteStorage) Retire(ctx context.Context, id, reason string, maxRetries int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var c sync.Collection
	var entityID string
	err = tx.QueryRowContext(ctx, `
		UPDATE operations SET status = 'FAILED', last_error = ?, retry_count = MAX(retry_count, ?)
		WHERE id = ? AND status <> 'SUCCESS'
		RETURNING collection, entity_id
	`, reason, maxRetries, id).Scan(&c, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to retire operation: %w", err)
	}

	// отклоненная операция больше не держит сущность локальной
	_, err = tx.ExecContext(ctx, `
		UPDATE replica SET dirty = 0
		WHERE collection = ? AND id = ?
		AND NOT EXISTS (
			SELECT 1 FROM operations
			WHERE collection = ? AND entity_id = ? AND status <> 'SUCCESS' AND retry_count < ?
		)
	`, c, entityID, c, entityID, maxRetries)
	if err != nil {
		return fmt.Errorf("failed to clear dirty flag: %w", err)
	}
	return tx.Commit()
}

// AdoptResolution записывает в реплику итог разрешенного конфликта.
// Сущность с другими неподтвержденными операциями не трогается.
func (s *SQLiteStorage) AdoptResolution(ctx context.Context, c sync.Conflict) error {
	if c.Pending() {
		return nil
	}
	data := c.ResolvedData
	deleted := data == nil
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode resolved data: %w", err)
	}

	modifiedAt := c.CreatedAt
	if c.ResolvedAt != nil {
		modifiedAt = *c.ResolvedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replica (collection, id, data, version, modified_at, deleted, dirty)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = MAX(replica.version, excluded.version),
			modified_at = excluded.modified_at,
			deleted = excluded.deleted,
			dirty = 0
		WHERE NOT EXISTS (
			SELECT 1 FROM operations
			WHERE collection = replica.collection AND entity_id = replica.id
			AND status <> 'SUCCESS' AND hold = ''
		)
	`, c.Collection, c.ServerItemID, string(raw), c.ServerVersion, modifiedAt.UnixMilli(), deleted)
	if err != nil {
		return fmt.Errorf("failed to adopt resolution: %w", err)
	}
	return nil
}

// Hold откладывает операцию до разрешения конфликта
func (s *SQLiteStorage) Hold(ctx context.Context, opID, conflictID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET hold = ?, last_error = ? WHERE id = ? AND status <> 'SUCCESS'
	`, conflictID, "conflict "+conflictID, opID)
	if err != nil {
		return fmt.Errorf("failed to hold operation: %w", err)
	}
	return nil
}

// Release закрывает операции, удержанные конфликтом: решение уже применено сервером
func (s *SQLiteStorage) Release(ctx context.Context, conflictID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT collection, entity_id FROM operations WHERE hold = ? AND status <> 'SUCCESS'
	`, conflictID)
	if err != nil {
		return 0, fmt.Errorf("failed to list held operations: %w", err)
	}
	type key struct {
		c  sync.Collection
		id string
	}
	var entities []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.c, &k.id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan held operation: %w", err)
		}
		entities = append(entities, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE operations SET hold = '', status = 'SUCCESS', synced_at = ?
		WHERE hold = ? AND status <> 'SUCCESS'
	`, time.Now().UnixMilli(), conflictID)
	if err != nil {
		return 0, fmt.Errorf("failed to release operations: %w", err)
	}
	n, _ := res.RowsAffected()

	for _, k := range entities {
		if err := clearDirty(ctx, tx, k.c, k.id); err != nil {
			return 0, err
		}
	}
	return int(n), tx.Commit()
}

// clearDirty снимает отметку локального изменения, если у сущности
// не осталось неподтвержденных операций
func clearDirty(ctx context.Context, tx *sql.Tx, c sync.Collection, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE replica SET dirty = 0
		WHERE collection = ? AND id = ?
		AND NOT EXISTS (
			SELECT 1 FROM operations
			WHERE collection = ? AND entity_id = ? AND status <> 'SUCCESS'
		)
	`, c, id, c, id)
	if err != nil {
		return fmt.Errorf("failed to clear dirty flag: %w", err)
	}
	return nil
}

// ApplyDelta применяет дельту pull к реплике. Сущности с неподтвержденными
// локальными изменениями и более старые версии пропускаются.
func (s *SQLiteStorage) ApplyDelta(ctx context.Context, c sync.Collection, d *sync.CollectionDelta) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, item := range d.Items {
		data := item.Data
		if data == nil {
			data = map[string]any{}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO replica (collection, id, data, version, modified_at, deleted, dirty)
			VALUES (?, ?, ?, ?, ?, 0, 0)
			ON CONFLICT (collection, id) DO UPDATE SET
				data = excluded.data,
				version = excluded.version,
				modified_at = excluded.modified_at,
				deleted = 0
			WHERE replica.dirty = 0 AND replica.version < excluded.version
		`, c, item.ID, string(raw), item.Version, item.ModifiedAt.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("failed to apply item %s: %w", item.ID, err)
		}
		n, _ := res.RowsAffected()
		applied += int(n)
	}

	for _, id := range d.DeletedIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE replica SET deleted = 1, modified_at = ?
			WHERE collection = ? AND id = ? AND dirty = 0 AND deleted = 0
		`, d.Checkpoint.UnixMilli(), c, id)
		if err != nil {
			return 0, fmt.Errorf("failed to apply deletion %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		applied += int(n)
	}

	if !d.Checkpoint.IsZero() {
		if err := advance(ctx, tx, metaCheckpointPrefix+string(c), d.Checkpoint); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return applied, nil
}

// advance сдвигает метку только вперед
func advance(ctx context.Context, tx *sql.Tx, key string, t time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = MAX(meta.value, excluded.value)
	`, key, t.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to advance %s: %w", key, err)
	}
	return nil
}

// Cursor метка, с которой начинается следующий pull
func (s *SQLiteStorage) Cursor(ctx context.Context) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaCursor).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	return time.Unix(0, ns).UTC(), nil
}

func (s *SQLiteStorage) SetCursor(ctx context.Context, t time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := advance(ctx, tx, metaCursor, t); err != nil {
		return err
	}
	return tx.Commit()
}

// Checkpoints контрольные точки по коллекциям из последних ответов pull
func (s *SQLiteStorage) Checkpoints(ctx context.Context) (map[sync.Collection]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM meta WHERE key LIKE ?", metaCheckpointPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[sync.Collection]time.Time)
	for rows.Next() {
		var key string
		var ns int64
		if err := rows.Scan(&key, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out[sync.Collection(key[len(metaCheckpointPrefix):])] = time.Unix(0, ns).UTC()
	}
	return out, rows.Err()
}

// SaveConflict сохраняет или обновляет конфликт, полученный от сервера
func (s *SQLiteStorage) SaveConflict(ctx context.Context, c sync.Conflict) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, collection, item_id, resolution, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET resolution = excluded.resolution, body = excluded.body
	`, c.ID, c.Collection, c.ServerItemID, c.Resolution, string(body), c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetConflict(ctx context.Context, id string) (*sync.Conflict, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM conflicts WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrConflictNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	var c sync.Conflict
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStorage) ListConflicts(ctx context.Context, pendingOnly bool) ([]sync.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM conflicts
		WHERE (? = 0 OR resolution = 'PENDING')
		ORDER BY created_at, id
	`, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []sync.Conflict
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		var c sync.Conflict
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetItem сущность реплики, включая удаленные
func (s *SQLiteStorage) GetItem(ctx context.Context, c sync.Collection, id string) (*ReplicaItem, error) {
	return getItem(ctx, s.db, c, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getItem(ctx context.Context, q queryer, c sync.Collection, id string) (*ReplicaItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT collection, id, data, version, modified_at, deleted, dirty
		FROM replica WHERE collection = ? AND id = ?
	`, c, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrItemNotFound)
	}
	return item, err
}

// ListItems сущности коллекции по id
func (s *SQLiteStorage) ListItems(ctx context.Context, c sync.Collection, withDeleted bool) ([]*ReplicaItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, data, version, modified_at, deleted, dirty
		FROM replica
		WHERE collection = ? AND (? = 1 OR deleted = 0)
		ORDER BY id
	`, c, withDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*ReplicaItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Stats счетчики журнала и конфликтов
func (s *SQLiteStorage) Stats(ctx context.Context) (*LocalStats, error) {
	var st LocalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('PENDING', 'SYNCING') AND hold = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' AND hold = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN hold <> '' THEN 1 ELSE 0 END), 0)
		FROM operations
	`).Scan(&st.Pending, &st.Failed, &st.Success, &st.Held)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflicts WHERE resolution = 'PENDING'").Scan(&st.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	if st.Cursor, err = s.Cursor(ctx); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cleanup удаляет подтвержденные операции и решенные конфликты старше before
func (s *SQLiteStorage) Cleanup(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations WHERE status = 'SUCCESS' AND synced_at < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete operations: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE resolution <> 'PENDING' AND created_at < ?
	`, before.UnixMilli()); err != nil {
		return 0, fmt.Errorf("failed to delete conflicts: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*LocalOperation, error) {
	var (
		op                  LocalOperation
		data                string
		clientTS, createdAt int64
		syncedAt            sql.NullInt64
	)
	err := row.Scan(&op.ID, &op.Collection, &op.Kind, &op.EntityID, &data, &clientTS,
		&op.BaseVersion, &op.Status, &op.RetryCount, &op.LastError, &op.HeldBy, &createdAt, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &op.Data); err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", op.ID, err)
	}
	op.ClientTimestamp = time.UnixMilli(clientTS).UTC()
	op.CreatedAt = time.UnixMilli(createdAt).UTC()
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		op.SyncedAt = &t
	}
	return &op, nil
}

func scanItem(row scanner) (*ReplicaItem, error) {
	var (
		item       ReplicaItem
		data       string
		modifiedAt int64
	)
	err := row.Scan(&item.Collection, &item.ID, &data, &item.Version, &modifiedAt, &item.Deleted, &item.Dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &item.Data); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", item.ID, err)
	}
	item.ModifiedAt = time.UnixMilli(modifiedAt).UTC()
	return &item, nil
}
