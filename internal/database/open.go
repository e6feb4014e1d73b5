package database

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/eventsync/internal/drafts"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported dialects for the store of record.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config locates the store of record.
type Config struct {
	Driver string
	DSN    string
}

// Dialector resolves the gorm dialector for a driver name.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("database driver %q is not supported", driver)
	}
}

// Open establishes a connection to the store of record and performs schema migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, err
		}
	}

	if err := Migrate(db.WithContext(ctx), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", cfg.Driver))
	}

	return db, nil
}

// Migrate creates the schema and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&events.Event{}, &events.SyncStatus{}, &drafts.Draft{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
