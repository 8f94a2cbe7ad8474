package sync

import (
	"context"
	"errors"
	"fmt"
)

// ResolveConflicts применяет решения клиента. Каждое решение выполняется в своей транзакции,
// ошибка одного не отменяет остальные.
func (s *Service) ResolveConflicts(ctx context.Context, deviceID string, resolutions []ConflictResolution) (*ResolveResult, error) {
	if len(resolutions) == 0 {
		return nil, newError(ErrInvalidRequest, CodeInvalidRequest, "resolutions are required")
	}

	result := &ResolveResult{
		Errors:    []ResolveError{},
		Conflicts: []Conflict{},
	}
	changed := make(map[Collection][]string)

	for _, r := range resolutions {
		conflict, entity, err := s.resolveOne(ctx, deviceID, r)
		if err != nil {
			if !errors.Is(err, ErrConflictNotFound) && !errors.Is(err, ErrConflictResolved) && !errors.Is(err, ErrInvalidRequest) {
				s.log.Error("failed to resolve conflict",
					"device_id", deviceID, "conflict_id", r.ConflictID, "error", err)
			}
			result.Errors = append(result.Errors, ResolveError{
				ConflictID: r.ConflictID,
				Message:    resolveMessage(err),
				Code:       CodeOf(err),
			})
			continue
		}

		result.Resolved++
		result.Conflicts = append(result.Conflicts, *conflict)
		if entity != nil {
			changed[entity.Collection] = append(changed[entity.Collection], entity.ID)
		}
	}

	result.Success = len(result.Errors) == 0
	result.Timestamp = s.clock.Now()
	s.notify(deviceID, changed, result.Timestamp)
	return result, nil
}

func resolveMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Error()
	}
	switch {
	case errors.Is(err, ErrConflictNotFound), errors.Is(err, ErrConflictResolved):
		return err.Error()
	}
	return "conflict could not be resolved"
}

func validateResolution(r ConflictResolution) error {
	if r.ConflictID == "" {
		return newError(ErrInvalidRequest, CodeInvalidRequest, "conflictId is required")
	}
	switch r.Resolution {
	case ResolutionUseLocal, ResolutionUseServer:
	case ResolutionMerge:
		if len(r.MergedData) == 0 {
			return newError(ErrInvalidRequest, CodeInvalidRequest, "mergedData is required for MERGE")
		}
	default:
		return newError(ErrInvalidRequest, CodeInvalidRequest, fmt.Sprintf("unknown resolution %q", r.Resolution))
	}
	return nil
}

func (s *Service) resolveOne(ctx context.Context, deviceID string, r ConflictResolution) (*Conflict, *Entity, error) {
	if err := validateResolution(r); err != nil {
		return nil, nil, err
	}

	var (
		conflict *Conflict
		written  *Entity
		err      error
	)
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var txErr error
			conflict, written, txErr = s.resolveInTx(ctx, tx, deviceID, r)
			return txErr
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("conflict resolved",
		"device_id", deviceID,
		"conflict_id", conflict.ID,
		"collection", conflict.Collection,
		"resolution", conflict.Resolution)
	return conflict, written, nil
}

func (s *Service) resolveInTx(ctx context.Context, tx Tx, deviceID string, r ConflictResolution) (*Conflict, *Entity, error) {
	c, err := tx.LockConflict(ctx, r.ConflictID)
	if err != nil {
		return nil, nil, err
	}
	if c.DeviceID != deviceID {
		return nil, nil, ErrConflictNotFound
	}
	if !c.Pending() {
		return nil, nil, ErrConflictResolved
	}

	entity, err := lockEntity(ctx, tx, c.Collection, c.ServerItemID)
	if err != nil {
		return nil, nil, err
	}

	var written *Entity
	switch r.Resolution {
	case ResolutionUseLocal:
		written, err = s.writeEntity(ctx, tx, deviceID, c.Collection, c.ServerItemID, entity, c.OperationKind, c.LocalData, false)
		if err != nil {
			return nil, nil, err
		}
		if err := s.settleOperations(ctx, tx, deviceID, c, StatusSuccess, ""); err != nil {
			return nil, nil, err
		}
		if written != nil {
			s.markResolved(c, r.Resolution, written)
		} else {
			s.markResolved(c, r.Resolution, entity)
		}

	case ResolutionUseServer:
		if err := s.settleOperations(ctx, tx, deviceID, c, StatusFailed, discardedMessage); err != nil {
			return nil, nil, err
		}
		s.markResolved(c, r.Resolution, entity)

	case ResolutionMerge:
		// MERGE заменяет данные целиком и восстанавливает удалённую сущность
		written, err = s.writeEntity(ctx, tx, deviceID, c.Collection, c.ServerItemID, entity, OperationUpdate, r.MergedData, true)
		if err != nil {
			return nil, nil, err
		}
		if err := s.settleOperations(ctx, tx, deviceID, c, StatusSuccess, ""); err != nil {
			return nil, nil, err
		}
		s.markResolved(c, r.Resolution, written)
	}
	c.Policy = PolicyManual

	if err := tx.SaveConflict(ctx, c); err != nil {
		return nil, nil, err
	}
	return c, written, nil
}

// settleOperations переводит все операции конфликта в итоговый статус.
// Операция могла быть удалена очисткой журнала, это не ошибка.
func (s *Service) settleOperations(ctx context.Context, tx Tx, deviceID string, c *Conflict, status OperationStatus, lastError string) error {
	for _, opID := range c.Operations() {
		err := tx.SetOperationStatus(ctx, deviceID, opID, status, lastError, s.clock.Now())
		if err != nil && !errors.Is(err, ErrOperationNotFound) {
			return err
		}
	}
	return nil
}
