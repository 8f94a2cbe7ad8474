package postgres

import (
	"context"
	"fmt"

	"possync/internal/app/server/config"
	"possync/internal/infrastructure/migration"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"
)

type Storage struct {
	pool *pgxpool.Pool
	*SyncRepository
}

// New подключается к PostgreSQL и применяет миграции
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Storage, error) {
	return NewWithEngine(ctx, cfg, migration.DefaultEngine, log)
}

func NewWithEngine(ctx context.Context, cfg *config.Config, engine migration.MigrationEngine, log *slog.Logger) (*Storage, error) {
	pool, err := pgxpool.New(ctx, cfg.DB.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	mg := migration.NewMigration(cfg, engine, log)
	if err := mg.Up(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &Storage{
		pool:           pool,
		SyncRepository: NewSyncRepository(pool, log),
	}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}
