package sync

import (
	"context"
	"fmt"
	"time"
)

// JanitorConfig настройки фоновой очистки
type JanitorConfig struct {
	Interval        time.Duration
	RetentionDays   int
	DeviceStaleDays int
}

// CleanupOldData удаляет SUCCESS-операции, синхронизированные раньше чем days дней назад.
// PENDING и FAILED не удаляются независимо от возраста.
func (s *Service) CleanupOldData(ctx context.Context, deviceID string, days int) (int, error) {
	if days <= 0 {
		return 0, newError(ErrInvalidRequest, CodeInvalidRequest, "days must be positive")
	}

	before := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.repo.DeleteSyncedOperations(ctx, deviceID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced operations: %w", err)
	}

	s.log.Info("old operations removed", "device_id", deviceID, "days", days, "removed", n)
	return n, nil
}

// RunJanitor периодически чистит журнал и архивирует устройства, которые давно не выходили на связь
func (s *Service) RunJanitor(ctx context.Context, cfg JanitorConfig) error {
	if cfg.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.JanitorPass(ctx, cfg); err != nil {
				s.log.Warn("janitor pass failed", "error", err)
			}
		}
	}
}

// JanitorPass один проход очистки
func (s *Service) JanitorPass(ctx context.Context, cfg JanitorConfig) error {
	if cfg.RetentionDays > 0 {
		devices, err := s.repo.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		for _, d := range devices {
			if _, err := s.CleanupOldData(ctx, d.ID, cfg.RetentionDays); err != nil {
				return err
			}
		}
	}

	if cfg.DeviceStaleDays > 0 {
		now := s.clock.Now()
		before := now.Add(-time.Duration(cfg.DeviceStaleDays) * 24 * time.Hour)
		ids, err := s.repo.ArchiveDevicesUnseenSince(ctx, before, now)
		if err != nil {
			return fmt.Errorf("failed to archive devices: %w", err)
		}
		if len(ids) > 0 {
			s.activity.Forget(ids...)
			s.log.Info("stale devices archived", "count", len(ids))
		}
	}
	return nil
}
