package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotReady is returned by callers that reach the store before Migrate ran
var ErrNotReady = errors.New("database not ready")

// Database wraps the GORM database connection
type Database struct {
	*gorm.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY storms
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	return &Database{DB: db}, nil
}

// Migrate runs database migrations
func (db *Database) Migrate() error {
	return db.AutoMigrate(
		&types.User{},
		&types.Repository{},
		&types.Artifact{},
		&types.StorageConfig{},
		&types.Job{},
	)
}

// IsPostgres reports whether row locking and advisory locks are available
func (db *Database) IsPostgres() bool {
	return db.Dialector.Name() == "postgres"
}

// Ready reports whether the schema exists. Early in startup the router and
// scheduler may run before migrations finish.
func (db *Database) Ready(ctx context.Context) bool {
	if db == nil || db.DB == nil {
		return false
	}
	return db.WithContext(ctx).Migrator().HasTable(&types.Repository{})
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
