package sync

import (
	"context"
	"fmt"
	"time"
)

// Пороги рекомендаций
const (
	failedItemsThreshold  = 10
	pendingItemsThreshold = 100
	staleSyncAfter        = 7 * 24 * time.Hour
	defaultStatsDays      = 30
)

// GetSyncStats возвращает статистику журнала операций устройства
func (s *Service) GetSyncStats(ctx context.Context, deviceID string) (*SyncStats, error) {
	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return s.collectStats(ctx, device, time.Time{}, "")
}

func (s *Service) collectStats(ctx context.Context, device *Device, since time.Time, only Collection) (*SyncStats, error) {
	counts, err := s.repo.CountOperations(ctx, device.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	conflicts, err := s.repo.ListConflicts(ctx, device.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	stats := &SyncStats{
		DeviceID:          device.ID,
		LastSyncTimestamp: device.LastSyncTimestamp,
		CollectionsStats:  make(map[Collection]CollectionStats),
	}
	for _, c := range counts {
		if only != "" && c.Collection != only {
			continue
		}
		cs := stats.CollectionsStats[c.Collection]
		cs.Total += c.Count
		stats.TotalItems += c.Count
		switch c.Status {
		case StatusPending:
			cs.Pending += c.Count
			stats.PendingItems += c.Count
		case StatusSyncing:
			cs.Syncing += c.Count
			stats.PendingItems += c.Count
		case StatusFailed:
			cs.Failed += c.Count
			stats.FailedItems += c.Count
		case StatusSuccess:
			cs.Success += c.Count
			stats.SuccessItems += c.Count
		}
		stats.CollectionsStats[c.Collection] = cs
	}
	for _, c := range conflicts {
		if only != "" && c.Collection != only {
			continue
		}
		cs := stats.CollectionsStats[c.Collection]
		cs.Conflicts++
		stats.CollectionsStats[c.Collection] = cs
		stats.ConflictItems++
	}
	return stats, nil
}

// GetDetailedStats статистика за последние q.Days дней с рекомендациями
func (s *Service) GetDetailedStats(ctx context.Context, q StatsQuery) (*DetailedStats, error) {
	if q.Collection != "" && !q.Collection.Valid() {
		return nil, newError(ErrInvalidRequest, CodeInvalidRequest, fmt.Sprintf("unknown collection %q", q.Collection))
	}
	if q.Days < 0 {
		return nil, newError(ErrInvalidRequest, CodeInvalidRequest, "days must not be negative")
	}
	if q.Days == 0 {
		q.Days = defaultStatsDays
	}

	device, err := s.repo.GetDevice(ctx, q.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	now := s.clock.Now()
	since := now.Add(-time.Duration(q.Days) * 24 * time.Hour)
	stats, err := s.collectStats(ctx, device, since, q.Collection)
	if err != nil {
		return nil, err
	}

	return &DetailedStats{
		SyncStats:       *stats,
		Collection:      q.Collection,
		Days:            q.Days,
		Since:           since,
		State:           s.activity.State(q.DeviceID),
		Recommendations: recommendations(stats, now),
	}, nil
}

func recommendations(stats *SyncStats, now time.Time) []string {
	out := []string{}
	if stats.FailedItems > failedItemsThreshold {
		out = append(out, fmt.Sprintf("%d operations failed: check connectivity and resubmit them", stats.FailedItems))
	}
	if stats.PendingItems > pendingItemsThreshold {
		out = append(out, fmt.Sprintf("%d operations are waiting: sync more often or in smaller batches", stats.PendingItems))
	}
	if stats.ConflictItems > 0 {
		out = append(out, fmt.Sprintf("%d conflicts need a decision", stats.ConflictItems))
	}
	if stats.LastSyncTimestamp == nil || now.Sub(*stats.LastSyncTimestamp) > staleSyncAfter {
		out = append(out, "device has not pulled changes for more than 7 days")
	}
	return out
}
