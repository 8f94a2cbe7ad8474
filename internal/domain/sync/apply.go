package sync

import (
	"context"
	"errors"
	"fmt"
)

// maxApplyAttempts сколько раз повторяется запись, проигравшая гонку версий
const maxApplyAttempts = 3

// DirectActorPrefix префикс автора изменений, пришедших не через синхронизацию
const DirectActorPrefix = "api:"

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// writeEntity применяет мутацию к заблокированной сущности current (nil если её нет).
// UPDATE и CREATE поверх живой сущности сливают поля, replace заменяет данные целиком.
// Удаление отсутствующей или уже удалённой сущности ничего не меняет и возвращает nil.
func (s *Service) writeEntity(
	ctx context.Context,
	tx Tx,
	actor string,
	collection Collection,
	id string,
	current *Entity,
	kind OperationKind,
	data map[string]any,
	replace bool,
) (*Entity, error) {
	var expected int64
	if current != nil {
		expected = current.Version
	}

	next := &Entity{
		Collection: collection,
		ID:         id,
		Version:    expected + 1,
		ModifiedBy: actor,
	}

	switch kind {
	case OperationDelete:
		if current == nil || current.Deleted() {
			return nil, nil
		}
		next.Data = cloneData(current.Data)
	default:
		if current != nil && !current.Deleted() && !replace {
			next.Data = cloneData(current.Data)
			for k, v := range data {
				next.Data[k] = v
			}
		} else {
			next.Data = cloneData(data)
		}
	}
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	next.Data["id"] = id

	now := s.clock.Now()
	next.ModifiedAt = now
	if kind == OperationDelete {
		next.DeletedAt = &now
	}

	if err := tx.SaveEntity(ctx, next, expected); err != nil {
		return nil, err
	}
	return next, nil
}

// lockEntity блокирует сущность, nil если её нет
func lockEntity(ctx context.Context, tx Tx, collection Collection, id string) (*Entity, error) {
	entity, err := tx.LockEntity(ctx, collection, id)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, nil
	}
	return entity, err
}

// ApplyDirect изменение канонического состояния прямым бизнес-маршрутом (например,
// кассир оформил продажу). Использует тот же маркер версии, что и синхронизация,
// поэтому устройства с устаревшим представлением получат конфликт.
func (s *Service) ApplyDirect(ctx context.Context, actor string, collection Collection, kind OperationKind, data map[string]any) (*Entity, error) {
	if !collection.Valid() {
		return nil, invalid("unknown collection %q", collection)
	}
	if !kind.Valid() {
		return nil, invalid("unknown operation %q", kind)
	}
	id := entityID(data)
	if id == "" {
		return nil, invalid("data.id is required")
	}
	if kind != OperationDelete {
		if err := validatePayload(collection, data); err != nil {
			return nil, err
		}
	}

	var (
		entity *Entity
		err    error
	)
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			current, err := lockEntity(ctx, tx, collection, id)
			if err != nil {
				return err
			}
			entity, err = s.writeEntity(ctx, tx, DirectActorPrefix+actor, collection, id, current, kind, data, false)
			return err
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s %s/%s: %w", kind, collection, id, err)
	}

	if entity != nil {
		s.notify("", map[Collection][]string{collection: {id}}, entity.ModifiedAt)
	}
	return entity, nil
}
