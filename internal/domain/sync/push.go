package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const discardedMessage = "discarded: server version kept"

type pushOutcome struct {
	status   ResultStatus
	conflict *Conflict
	entity   *Entity
}

type validOperation struct {
	index int
	op    *Operation
}

// ProcessPush принимает пакет операций устройства. Каждая операция применяется
// в своей транзакции, так что пакет может быть применён частично, а операция нет.
func (s *Service) ProcessPush(ctx context.Context, deviceID string, inputs []OperationInput) (*PushResult, error) {
	if len(inputs) > s.config.MaxBatch {
		return nil, newError(ErrBatchTooLarge, CodeBatchTooLarge,
			fmt.Sprintf("batch of %d operations exceeds limit %d", len(inputs), s.config.MaxBatch))
	}

	done, err := s.activity.BeginPush(deviceID)
	if err != nil {
		return nil, err
	}
	defer done()

	receivedAt := s.clock.Now()
	checkpoints, err := s.repo.GetCheckpoints(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	result := &PushResult{
		Conflicts: []Conflict{},
		Errors:    []SyncError{},
		Results:   make([]OperationResult, len(inputs)),
	}

	valid := make([]validOperation, 0, len(inputs))
	for i, in := range inputs {
		result.Results[i] = OperationResult{OperationID: in.ID}
		op, err := validateOperation(deviceID, in, receivedAt)
		if err != nil {
			result.Results[i].Status = ResultRejected
			result.Errors = append(result.Errors, SyncError{
				OperationID: in.ID,
				Index:       i,
				Message:     err.Error(),
				Code:        CodeValidationFailed,
			})
			continue
		}
		valid = append(valid, validOperation{index: i, op: op})
	}

	// порядок, в котором устройство делало изменения
	sort.SliceStable(valid, func(a, b int) bool {
		return valid[a].op.ClientTimestamp.Before(valid[b].op.ClientTimestamp)
	})

	changed := make(map[Collection][]string)
	for n, v := range valid {
		if err := ctx.Err(); err != nil {
			for _, rest := range valid[n:] {
				result.Results[rest.index].Status = ResultFailed
				result.Errors = append(result.Errors, SyncError{
					OperationID: rest.op.ID,
					Index:       rest.index,
					Message:     err.Error(),
					Code:        CodeCancelled,
					Retryable:   true,
				})
			}
			break
		}

		out, err := s.pushOne(ctx, deviceID, v.op, checkpoints[v.op.Collection])
		res := &result.Results[v.index]
		if err != nil {
			s.log.Error("failed to apply operation",
				"device_id", deviceID, "operation_id", v.op.ID, "error", err)
			s.markFailed(ctx, deviceID, v.op.ID, err)

			res.Status = ResultFailed
			result.Errors = append(result.Errors, SyncError{
				OperationID: v.op.ID,
				Index:       v.index,
				Message:     "operation could not be stored",
				Code:        CodeStorageUnavailable,
				Retryable:   true,
			})
			continue
		}

		res.Status = out.status
		if out.entity != nil {
			res.Version = out.entity.Version
			changed[out.entity.Collection] = append(changed[out.entity.Collection], out.entity.ID)
		}
		if out.conflict != nil {
			res.ConflictID = out.conflict.ID
			result.Conflicts = append(result.Conflicts, *out.conflict)
		}

		switch out.status {
		case ResultAcknowledged:
			result.Acknowledged++
		case ResultDuplicate:
			result.Duplicates++
		}
	}

	result.Success = len(result.Errors) == 0
	result.Timestamp = s.clock.Now()

	s.notify(deviceID, changed, result.Timestamp)
	if err := s.TouchDevice(ctx, deviceID); err != nil {
		s.log.Warn("failed to touch device", "device_id", deviceID, "error", err)
	}

	s.log.Debug("push processed",
		"device_id", deviceID,
		"operations", len(inputs),
		"acknowledged", result.Acknowledged,
		"duplicates", result.Duplicates,
		"conflicts", len(result.Conflicts),
		"errors", len(result.Errors))
	return result, nil
}

// markFailed фиксирует ошибку операции, если хранилище ещё отвечает
func (s *Service) markFailed(ctx context.Context, deviceID, opID string, cause error) {
	err := s.repo.MarkOperationStatus(ctx, deviceID, opID, StatusFailed, cause.Error(), s.clock.Now())
	if err != nil && !errors.Is(err, ErrOperationNotFound) {
		s.log.Warn("failed to mark operation as failed",
			"device_id", deviceID, "operation_id", opID, "error", err)
	}
}

func (s *Service) pushOne(ctx context.Context, deviceID string, op *Operation, checkpoint time.Time) (pushOutcome, error) {
	stored, err := s.repo.AppendOperation(ctx, op)
	if err != nil {
		return pushOutcome{}, fmt.Errorf("failed to append operation: %w", err)
	}
	if stored.Status == StatusSuccess {
		return pushOutcome{status: ResultDuplicate}, nil
	}

	var out pushOutcome
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var txErr error
			out, txErr = s.applyInTx(ctx, tx, deviceID, op, checkpoint)
			return txErr
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
		s.log.Debug("entity changed concurrently, retrying",
			"operation_id", op.ID, "attempt", attempt+1)
	}
	if err != nil {
		return pushOutcome{}, err
	}
	return out, nil
}

func (s *Service) applyInTx(ctx context.Context, tx Tx, deviceID string, op *Operation, checkpoint time.Time) (pushOutcome, error) {
	current, err := tx.GetOperation(ctx, deviceID, op.ID)
	if err != nil {
		return pushOutcome{}, err
	}
	if current.Status == StatusSuccess {
		return pushOutcome{status: ResultDuplicate}, nil
	}

	id := op.EntityID()
	entity, err := lockEntity(ctx, tx, op.Collection, id)
	if err != nil {
		return pushOutcome{}, err
	}

	pending, err := tx.FindPendingConflict(ctx, deviceID, op.Collection, id)
	if err != nil && !errors.Is(err, ErrConflictNotFound) {
		return pushOutcome{}, err
	}

	conflictType, conflicted := detectConflict(deviceID, op, entity, checkpoint)
	if pending != nil && !conflicted {
		// сущность уже спорная: новая операция дополняет существующий конфликт
		conflicted = true
		conflictType = pending.Type
		if entity != nil {
			conflictType = conflictTypeFor(op, entity)
		}
	}

	if !conflicted {
		applied, err := s.writeEntity(ctx, tx, deviceID, op.Collection, id, entity, op.Kind, op.Data, false)
		if err != nil {
			return pushOutcome{}, err
		}
		if err := tx.SetOperationStatus(ctx, deviceID, op.ID, StatusSuccess, "", s.clock.Now()); err != nil {
			return pushOutcome{}, err
		}
		return pushOutcome{status: ResultAcknowledged, entity: applied}, nil
	}

	conflict := pending
	if conflict == nil {
		conflict = &Conflict{
			ID:           newID(),
			DeviceID:     deviceID,
			Collection:   op.Collection,
			LocalItemID:  id,
			ServerItemID: id,
			CreatedAt:    s.clock.Now(),
		}
	}
	conflict.Type = conflictType
	conflict.attach(op)
	conflict.Resolution = ResolutionPending
	if entity != nil {
		conflict.ServerData = cloneData(entity.Data)
		conflict.ServerTimestamp = entity.ModifiedAt
		conflict.ServerVersion = entity.Version
	}

	policy := s.config.Policies.For(op.Collection)
	conflict.Policy = policy

	out := pushOutcome{conflict: conflict}
	switch decideResolution(policy, conflict) {
	case ResolutionUseLocal:
		applied, err := s.writeEntity(ctx, tx, deviceID, op.Collection, id, entity, conflict.OperationKind, conflict.LocalData, false)
		if err != nil {
			return pushOutcome{}, err
		}
		if err := s.settleOperations(ctx, tx, deviceID, conflict, StatusSuccess, ""); err != nil {
			return pushOutcome{}, err
		}
		s.markResolved(conflict, ResolutionUseLocal, applied)
		out.status = ResultAcknowledged
		out.entity = applied

	case ResolutionUseServer:
		if err := s.settleOperations(ctx, tx, deviceID, conflict, StatusFailed, discardedMessage); err != nil {
			return pushOutcome{}, err
		}
		s.markResolved(conflict, ResolutionUseServer, entity)
		out.status = ResultDiscarded

	default:
		msg := fmt.Sprintf("conflict %s", conflict.ID)
		if err := tx.SetOperationStatus(ctx, deviceID, op.ID, StatusFailed, msg, s.clock.Now()); err != nil {
			return pushOutcome{}, err
		}
		out.status = ResultConflict
	}

	if err := tx.SaveConflict(ctx, conflict); err != nil {
		return pushOutcome{}, err
	}
	return out, nil
}

// detectConflict сущность изменена другим автором после того состояния,
// от которого отталкивалось устройство
func detectConflict(deviceID string, op *Operation, entity *Entity, checkpoint time.Time) (ConflictType, bool) {
	if entity == nil || entity.ModifiedBy == deviceID {
		return "", false
	}
	if op.Kind == OperationDelete && entity.Deleted() {
		return "", false
	}
	if !changedSince(op, entity, checkpoint) {
		return "", false
	}
	return conflictTypeFor(op, entity), true
}

// changedSince ожидание устройства: baseVersion, затем baseTimestamp, затем контрольная точка
// коллекции. Устройство без контрольной точки не видело ни одного изменения.
func changedSince(op *Operation, entity *Entity, checkpoint time.Time) bool {
	switch {
	case op.BaseVersion > 0:
		return entity.Version > op.BaseVersion
	case op.BaseTimestamp != nil:
		return entity.ModifiedAt.After(*op.BaseTimestamp)
	case !checkpoint.IsZero():
		return entity.ModifiedAt.After(checkpoint)
	}
	return true
}

func conflictTypeFor(op *Operation, entity *Entity) ConflictType {
	switch {
	case entity.Deleted() && op.Kind != OperationDelete:
		return ConflictServerDeleted
	case op.Kind == OperationDelete:
		return ConflictLocalDeleted
	}
	return ConflictBothModified
}

func (s *Service) markResolved(c *Conflict, resolution Resolution, entity *Entity) {
	now := s.clock.Now()
	c.Resolution = resolution
	c.ResolvedAt = &now
	c.RedeliveredAt = nil
	c.ResolvedData = nil
	if entity != nil && !entity.Deleted() {
		c.ResolvedData = cloneData(entity.Data)
	}
}
