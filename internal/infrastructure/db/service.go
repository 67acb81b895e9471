package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	badgerdb "github.com/ArkLabsHQ/tidal/internal/infrastructure/db/badger"
	sqlitedb "github.com/ArkLabsHQ/tidal/internal/infrastructure/db/sqlite"
	"github.com/dgraph-io/badger/v4"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	sqliteDbFile = "tidal.db"
)

var (
	//go:embed sqlite/migration/*
	migrations   embed.FS
	allowedTypes = strings.Join([]string{"badger", "sqlite"}, ",")
)

type ServiceConfig struct {
	DbType   string
	DbConfig []any
	// Escrows decodes the escrow data of each chain by chain id.
	Escrows map[string]domain.EscrowDecoder
}

type service struct {
	swapRepo domain.SwapRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		swapRepo domain.SwapRepository
		err      error
	)
	decoder := domain.NewSwapDecoder(config.Escrows)

	switch config.DbType {
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		swapRepo, err = badgerdb.NewSwapRepository(baseDir, logger, decoder)
		if err != nil {
			return nil, fmt.Errorf("failed to open swap db: %s", err)
		}

	case "sqlite":
		if len(config.DbConfig) != 1 {
			return nil, fmt.Errorf("sqlite db config must have 1 element, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok || baseDir == "" {
			return nil, fmt.Errorf("invalid base directory")
		}
		db, err := sqlitedb.OpenDb(filepath.Join(baseDir, sqliteDbFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite db: %s", err)
		}
		if err := migrateSqlite(db, decoder); err != nil {
			// nolint:all
			db.Close()
			return nil, err
		}
		swapRepo, err = sqlitedb.NewSwapRepository(db, decoder)
		if err != nil {
			return nil, fmt.Errorf("failed to open swap db: %s", err)
		}

	default:
		return nil, fmt.Errorf("unsopported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{swapRepo}, nil
}

func (s *service) Swaps() domain.SwapRepository {
	return s.swapRepo
}

func (s *service) Close() {
	s.swapRepo.Close()
}

// sqliteGoMigrations are the data migrations of the sqlite store.
func sqliteGoMigrations(decoder *domain.SwapDecoder) []GoMigration {
	return []GoMigration{
		{Version: "20260901000000", Run: sqlitedb.UpgradeSwaps(decoder)},
	}
}

func migrateSqlite(db *sql.DB, decoder *domain.SwapDecoder) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to init driver: %s", err)
	}
	source, err := iofs.New(migrations, "sqlite/migration")
	if err != nil {
		return fmt.Errorf("failed to embed migrations: %s", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "tidaldb", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %s", err)
	}

	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	} else if dirty {
		return fmt.Errorf("database is in a dirty migration state; manual intervention required")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %s", err)
	}

	return ApplyGoMigrations(context.Background(), db, sqliteGoMigrations(decoder))
}
