package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncStatus = "2024-01-01_backfill_sync_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSyncStatus, apply: backfillSyncStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSyncStatus gives every event without a ledger row a pending one.
func backfillSyncStatus(db *gorm.DB) error {
	var orphans []events.Event
	err := db.Model(&events.Event{}).
		Where("NOT EXISTS (SELECT 1 FROM sync_status WHERE sync_status.event_id = events_raw.event_id)").
		Find(&orphans).Error
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]events.SyncStatus, 0, len(orphans))
	for _, orphan := range orphans {
		rows = append(rows, events.SyncStatus{
			EventID:   orphan.EventID,
			Status:    events.StatusPending,
			UpdatedAt: now,
		})
	}
	return db.CreateInBatches(rows, 100).Error
}
