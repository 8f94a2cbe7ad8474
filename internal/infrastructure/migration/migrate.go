package migration

import (
	"errors"
	"fmt"

	"possync/internal/app/server/config"

	"github.com/golang-migrate/migrate/v4"
	// Blank import required for PostgreSQL driver registration for migrations
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"golang.org/x/exp/slog"
)

// Migrator часть migrate.Migrate, которой пользуется Migration
type Migrator interface {
	Up() error
	Version() (uint, bool, error)
	Close() (error, error)
}

// MigrationEngine создает Migrator по источнику и строке подключения
type MigrationEngine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	source   string
	database string
	engine   MigrationEngine
	log      *slog.Logger
}

func NewMigration(conf *config.Config, engine MigrationEngine, log *slog.Logger) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		source:   "file://" + conf.DB.Migrations,
		database: conf.DB.DatabaseURI,
		engine:   engine,
		log:      log.With("component", "migration"),
	}
}

// DefaultEngine открывает миграции из файлов через golang-migrate
func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// Up применяет все новые миграции схемы синхронизации
func (mg *Migration) Up() (err error) {
	m, err := mg.engine(mg.source, mg.database)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			mg.log.Debug("schema is up to date")
			return nil
		}
		return fmt.Errorf("migration up: %w", err)
	}

	if v, dirty, verr := m.Version(); verr == nil {
		mg.log.Info("schema migrated", "version", v, "dirty", dirty)
	}
	return nil
}
