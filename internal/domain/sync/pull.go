package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessPull возвращает изменения канонического состояния после lastSyncTimestamp.
// Сущности со спорным для устройства состоянием не отдаются до разрешения конфликта.
func (s *Service) ProcessPull(ctx context.Context, deviceID string, req PullRequest) (*PullResponse, error) {
	collections, err := normalizeCollections(req.Collections)
	if err != nil {
		return nil, err
	}

	limit := req.MaxItems
	if limit <= 0 {
		limit = s.config.MaxPullItems
	}
	if limit > s.config.MaxPullItemsLimit {
		limit = s.config.MaxPullItemsLimit
	}
	since := req.LastSyncTimestamp.UTC()

	checkpoints, err := s.repo.GetCheckpoints(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	pending, err := s.repo.ListConflicts(ctx, deviceID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	disputed := make(map[Collection]map[string]struct{})
	for _, c := range pending {
		if disputed[c.Collection] == nil {
			disputed[c.Collection] = make(map[string]struct{})
		}
		disputed[c.Collection][c.ServerItemID] = struct{}{}
	}

	deltas := make([]*CollectionDelta, len(collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range collections {
		g.Go(func() error {
			d, err := s.pullCollection(gctx, c, since, limit, disputed[c], checkpoints[c])
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", c, err)
			}
			deltas[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Success:     true,
		Collections: make(map[Collection]*CollectionDelta, len(collections)),
		Conflicts:   []Conflict{},
	}
	var truncatedMin, overallMax time.Time
	for i, c := range collections {
		d := deltas[i]
		resp.Collections[c] = d
		if d.HasMore {
			resp.HasMore = true
			if truncatedMin.IsZero() || d.Checkpoint.Before(truncatedMin) {
				truncatedMin = d.Checkpoint
			}
		}
		if d.Checkpoint.After(overallMax) {
			overallMax = d.Checkpoint
		}
	}
	resp.Timestamp = overallMax
	if resp.HasMore {
		resp.Timestamp = truncatedMin
	}
	if resp.Timestamp.Before(since) {
		resp.Timestamp = since
	}

	requested := make(map[Collection]bool, len(collections))
	for _, c := range collections {
		requested[c] = true
	}
	for _, c := range pending {
		if requested[c.Collection] {
			resp.Conflicts = append(resp.Conflicts, *c)
		}
	}
	if err := s.redeliverResolved(ctx, deviceID, requested, disputed, resp); err != nil {
		return nil, err
	}

	for _, c := range collections {
		cp := resp.Collections[c].Checkpoint
		if cp.IsZero() {
			continue
		}
		if err := s.repo.AdvanceCheckpoint(ctx, deviceID, c, cp); err != nil {
			return nil, fmt.Errorf("failed to advance checkpoint: %w", err)
		}
	}
	if err := s.repo.SetLastSync(ctx, deviceID, s.clock.Now()); err != nil {
		s.log.Warn("failed to update last sync", "device_id", deviceID, "error", err)
	}
	s.activity.markIdle(deviceID)

	s.log.Debug("pull processed",
		"device_id", deviceID,
		"since", since,
		"timestamp", resp.Timestamp,
		"has_more", resp.HasMore,
		"conflicts", len(resp.Conflicts))
	return resp, nil
}

func normalizeCollections(requested []Collection) ([]Collection, error) {
	if len(requested) == 0 {
		return append([]Collection(nil), Collections...), nil
	}
	seen := make(map[Collection]bool, len(requested))
	out := make([]Collection, 0, len(requested))
	for _, c := range requested {
		if !c.Valid() {
			return nil, newError(ErrInvalidRequest, CodeInvalidRequest, fmt.Sprintf("unknown collection %q", c))
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) pullCollection(
	ctx context.Context,
	c Collection,
	since time.Time,
	limit int,
	disputed map[string]struct{},
	stored time.Time,
) (*CollectionDelta, error) {
	rows, err := s.repo.ListChangedEntities(ctx, c, since, limit+1)
	if err != nil {
		return nil, err
	}

	truncated := len(rows) > limit
	if truncated {
		var boundary time.Time
		rows, boundary = trimToLimit(rows, limit)
		if len(rows) == 0 {
			// все строки с одной меткой: отдаём группу целиком, иначе курсор не сдвинется
			rows, err = s.repo.ListEntitiesModifiedAt(ctx, c, boundary)
			if err != nil {
				return nil, err
			}
		}
	}

	d := &CollectionDelta{
		Items:      []Item{},
		DeletedIDs: []string{},
		Checkpoint: since,
		HasMore:    truncated,
	}
	for _, e := range rows {
		if e.ModifiedAt.After(d.Checkpoint) {
			d.Checkpoint = e.ModifiedAt
		}
		if _, ok := disputed[e.ID]; ok {
			continue
		}
		if e.Deleted() {
			d.DeletedIDs = append(d.DeletedIDs, e.ID)
			continue
		}
		d.Items = append(d.Items, itemOf(e))
	}
	if !truncated && stored.After(d.Checkpoint) {
		d.Checkpoint = stored
	}
	return d, nil
}

// trimToLimit оставляет не больше limit строк и отрезает хвост с той же меткой,
// что у первой отброшенной строки. Возвращает эту метку.
func trimToLimit(rows []*Entity, limit int) ([]*Entity, time.Time) {
	boundary := rows[limit].ModifiedAt
	kept := rows[:limit]
	for len(kept) > 0 && kept[len(kept)-1].ModifiedAt.Equal(boundary) {
		kept = kept[:len(kept)-1]
	}
	return kept, boundary
}

func itemOf(e *Entity) Item {
	return Item{
		ID:         e.ID,
		Data:       cloneData(e.Data),
		Version:    e.Version,
		ModifiedAt: e.ModifiedAt,
	}
}

// redeliverResolved один раз отдаёт текущее состояние сущностей по решённым конфликтам,
// даже если оно старше контрольной точки устройства
func (s *Service) redeliverResolved(
	ctx context.Context,
	deviceID string,
	requested map[Collection]bool,
	disputed map[Collection]map[string]struct{},
	resp *PullResponse,
) error {
	resolved, err := s.repo.ListUndeliveredResolutions(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to list resolved conflicts: %w", err)
	}

	ids := make([]string, 0, len(resolved))
	for _, c := range resolved {
		if !requested[c.Collection] {
			continue
		}
		if _, ok := disputed[c.Collection][c.ServerItemID]; ok {
			continue
		}
		d := resp.Collections[c.Collection]
		entity, err := s.repo.GetEntity(ctx, c.Collection, c.ServerItemID)
		switch {
		case err == nil:
			addToDelta(d, entity)
		case isNotFound(err):
		default:
			return fmt.Errorf("failed to get entity: %w", err)
		}
		resp.Conflicts = append(resp.Conflicts, *c)
		ids = append(ids, c.ID)
	}

	if len(ids) == 0 {
		return nil
	}
	if err := s.repo.MarkConflictsRedelivered(ctx, ids, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark conflicts redelivered: %w", err)
	}
	return nil
}

func addToDelta(d *CollectionDelta, e *Entity) {
	items := d.Items[:0]
	for _, it := range d.Items {
		if it.ID != e.ID {
			items = append(items, it)
		}
	}
	d.Items = items
	for _, id := range d.DeletedIDs {
		if id == e.ID {
			return
		}
	}

	if e.Deleted() {
		d.DeletedIDs = append(d.DeletedIDs, e.ID)
		return
	}
	d.Items = append(d.Items, itemOf(e))
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
