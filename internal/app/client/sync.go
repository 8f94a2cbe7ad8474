package client

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

var ErrSyncRunning = errors.New("sync is already running")

// maxPullPages ограничивает число страниц pull за один цикл
const maxPullPages = 1000

// SyncConfig параметры цикла синхронизации
type SyncConfig struct {
	BatchSize    int
	PullPageSize int
	MaxRetries   int
	Collections  []sync.Collection
}

// SyncStats статистика синхронизаций за время работы процесса
type SyncStats struct {
	TotalSyncs      int
	TotalErrors     int
	TotalUploaded   int
	TotalDownloaded int
	TotalConflicts  int
	TotalResolved   int
	LastSuccessful  time.Time
	LastFailed      time.Time
	AvgSyncDuration float64
}

// SyncService отправляет журнал операций и применяет дельты сервера к реплике
type SyncService struct {
	store  *SQLiteStorage
	api    *httpClient
	log    *slog.Logger
	config SyncConfig

	mu        stdsync.Mutex
	isSyncing bool
	stats     SyncStats
}

func NewSyncService(store *SQLiteStorage, api *httpClient, cfg SyncConfig, log *slog.Logger) *SyncService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &SyncService{
		store:  store,
		api:    api,
		log:    log.With("component", "sync_service"),
		config: cfg,
	}
}

// Sync выполняет один цикл: push всех готовых операций, затем pull до конца дельты
func (s *SyncService) Sync(ctx context.Context) (*SyncResult, error) {
	if !s.begin() {
		return nil, ErrSyncRunning
	}
	start := time.Now()
	res := &SyncResult{}

	err := s.push(ctx, res)
	if err == nil {
		err = s.pull(ctx, res)
	}
	res.Duration = time.Since(start)
	s.end(res, err)

	if err != nil {
		s.log.Warn("sync failed", "error", err, "pushed", res.Pushed, "pulled", res.Pulled)
		return res, err
	}
	s.log.Info("sync completed",
		"pushed", res.Pushed,
		"duplicates", res.Duplicates,
		"conflicts", res.Conflicts,
		"rejected", res.Rejected,
		"pulled", res.Pulled,
		"deleted", res.Deleted,
		"duration", res.Duration)
	return res, nil
}

func (s *SyncService) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSyncing {
		return false
	}
	s.isSyncing = true
	return true
}

func (s *SyncService) end(res *SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSyncing = false

	st := &s.stats
	st.AvgSyncDuration = (st.AvgSyncDuration*float64(st.TotalSyncs) + res.Duration.Seconds()) / float64(st.TotalSyncs+1)
	st.TotalSyncs++
	st.TotalUploaded += res.Pushed
	st.TotalDownloaded += res.Pulled
	st.TotalConflicts += res.Conflicts
	st.TotalResolved += res.Resolved
	if err != nil {
		st.TotalErrors++
		st.LastFailed = time.Now()
		return
	}
	st.LastSuccessful = time.Now()
}

func (s *SyncService) GetStats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SyncService) push(ctx context.Context, res *SyncResult) error {
	batch := s.config.BatchSize
	for {
		ops, err := s.store.ListPending(ctx, batch, s.config.MaxRetries)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		for _, op := range ops {
			if err := s.store.MarkStatus(ctx, op.ID, sync.StatusSyncing, ""); err != nil {
				return err
			}
		}

		result, err := s.api.Push(ctx, toInputs(ops))
		if err != nil {
			s.revert(ctx, ops, err)
			if IsRemoteCode(err, sync.CodeBatchTooLarge) && batch > 1 {
				batch /= 2
				s.log.Debug("batch too large, shrinking", "batch", batch)
				continue
			}
			return fmt.Errorf("push failed: %w", err)
		}

		stop, err := s.applyPushResult(ctx, ops, result, res)
		if err != nil {
			return err
		}
		// следующая операция по той же сущности не должна обогнать повторяемую
		if stop || len(ops) < batch {
			return nil
		}
	}
}

// revert возвращает операции в PENDING после сбоя запроса целиком, не расходуя попытки
func (s *SyncService) revert(ctx context.Context, ops []*LocalOperation, cause error) {
	for _, op := range ops {
		if err := s.store.MarkStatus(ctx, op.ID, sync.StatusPending, cause.Error()); err != nil {
			s.log.Error("failed to revert operation", "operation_id", op.ID, "error", err)
		}
	}
}

func (s *SyncService) applyPushResult(ctx context.Context, ops []*LocalOperation, result *sync.PushResult, res *SyncResult) (bool, error) {
	for _, c := range result.Conflicts {
		if err := s.store.SaveConflict(ctx, c); err != nil {
			return false, err
		}
	}
	// конфликты, решенные сервером сразу, применяются после смены статусов операций
	defer func() {
		for _, c := range result.Conflicts {
			if err := s.store.AdoptResolution(ctx, c); err != nil {
				s.log.Error("failed to adopt resolution", "conflict_id", c.ID, "error", err)
			}
		}
	}()
	errs := make(map[string]sync.SyncError, len(result.Errors))
	for _, e := range result.Errors {
		errs[e.OperationID] = e
	}
	res.Errors = append(res.Errors, result.Errors...)

	byID := make(map[string]sync.OperationResult, len(result.Results))
	for _, r := range result.Results {
		byID[r.OperationID] = r
	}

	stop := false
	for _, op := range ops {
		r, ok := byID[op.ID]
		if !ok {
			if err := s.store.MarkStatus(ctx, op.ID, sync.StatusPending, "no result from server"); err != nil {
				return false, err
			}
			stop = true
			continue
		}

		var err error
		switch r.Status {
		case sync.ResultAcknowledged, sync.ResultDiscarded:
			res.Pushed++
			err = s.store.MarkStatus(ctx, op.ID, sync.StatusSuccess, "")
		case sync.ResultDuplicate:
			res.Duplicates++
			err = s.store.MarkStatus(ctx, op.ID, sync.StatusSuccess, "")
		case sync.ResultConflict:
			res.Conflicts++
			if err = s.store.MarkStatus(ctx, op.ID, sync.StatusPending, ""); err == nil {
				err = s.store.Hold(ctx, op.ID, r.ConflictID)
			}
		case sync.ResultRejected, sync.ResultFailed:
			e := errs[op.ID]
			if e.Retryable {
				res.Failed++
				stop = true
				err = s.store.MarkStatus(ctx, op.ID, sync.StatusFailed, e.Message)
			} else {
				res.Rejected++
				err = s.store.Retire(ctx, op.ID, e.Code+": "+e.Message, s.config.MaxRetries)
			}
		default:
			err = s.store.MarkStatus(ctx, op.ID, sync.StatusPending, "unknown result "+string(r.Status))
			stop = true
		}
		if err != nil {
			return false, err
		}
	}
	return stop, nil
}

func toInputs(ops []*LocalOperation) []sync.OperationInput {
	out := make([]sync.OperationInput, len(ops))
	for i, op := range ops {
		in := sync.OperationInput{
			ID:              op.ID,
			Collection:      string(op.Collection),
			Operation:       string(op.Kind),
			ClientTimestamp: sync.Timestamp{Time: op.ClientTimestamp},
			BaseVersion:     op.BaseVersion,
		}
		in.Data, _ = marshalData(op.Data)
		out[i] = in
	}
	return out
}

func (s *SyncService) pull(ctx context.Context, res *SyncResult) error {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return err
	}

	for page := 0; page < maxPullPages; page++ {
		resp, err := s.api.Pull(ctx, cursor, s.config.Collections, s.config.PullPageSize)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		res.Pages++

		for c, d := range resp.Collections {
			if d == nil {
				continue
			}
			if _, err := s.store.ApplyDelta(ctx, c, d); err != nil {
				return err
			}
			res.Pulled += len(d.Items)
			res.Deleted += len(d.DeletedIDs)
		}

		for _, c := range resp.Conflicts {
			if err := s.store.SaveConflict(ctx, c); err != nil {
				return err
			}
			if c.Pending() {
				continue
			}
			if err := s.settle(ctx, c); err != nil {
				return err
			}
			res.Resolved++
		}

		if err := s.store.SetCursor(ctx, resp.Timestamp); err != nil {
			return err
		}
		res.Cursor = resp.Timestamp

		if !resp.HasMore {
			return nil
		}
		if !resp.Timestamp.After(cursor) {
			s.log.Warn("pull cursor did not advance", "cursor", cursor)
			return nil
		}
		cursor = resp.Timestamp
	}
	return nil
}

// Resolve отправляет решения по конфликтам и освобождает удержанные ими операции
func (s *SyncService) Resolve(ctx context.Context, resolutions []sync.ConflictResolution) (*sync.ResolveResult, error) {
	result, err := s.api.Resolve(ctx, resolutions)
	if err != nil {
		return nil, err
	}
	for _, c := range result.Conflicts {
		if err := s.store.SaveConflict(ctx, c); err != nil {
			return nil, err
		}
		if c.Pending() {
			continue
		}
		if err := s.settle(ctx, c); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// settle закрывает удержанные конфликтом операции и переносит итог в реплику
func (s *SyncService) settle(ctx context.Context, c sync.Conflict) error {
	released, err := s.store.Release(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := s.store.AdoptResolution(ctx, c); err != nil {
		return err
	}
	s.log.Debug("conflict settled", "conflict_id", c.ID, "resolution", c.Resolution, "released", released)
	return nil
}
