package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DestinationColumns are shared by every event family table.
type DestinationColumns struct {
	EventID        string    `gorm:"column:event_id;primaryKey;size:64;not null"`
	EventType      string    `gorm:"column:event_type;size:190;not null"`
	IdempotencyKey string    `gorm:"column:idempotency_key;size:512;not null"`
	UserID         *string   `gorm:"column:user_id;size:190"`
	HcpID          *string   `gorm:"column:hcp_id;size:190"`
	SourceEventTS  time.Time `gorm:"column:source_event_ts;not null"`
	Payload        string    `gorm:"column:payload;type:text;not null"`
}

// CallEventRecord mirrors CALL_EVENTS_RAW for relational destinations.
type CallEventRecord struct {
	DestinationColumns `gorm:"embedded"`
	Compliance         string `gorm:"column:compliance;type:text;not null"`
	Citations          string `gorm:"column:citations;type:text;not null"`
}

func (CallEventRecord) TableName() string {
	return "call_events_raw"
}

// ExpenseEventRecord mirrors EXPENSE_EVENTS_RAW for relational destinations.
type ExpenseEventRecord struct {
	DestinationColumns `gorm:"embedded"`
	PolicyFlags        string `gorm:"column:policy_flags;type:text;not null"`
}

func (ExpenseEventRecord) TableName() string {
	return "expense_events_raw"
}

// SafetyEventRecord mirrors SAFETY_EVENTS_RAW for relational destinations.
type SafetyEventRecord struct {
	DestinationColumns `gorm:"embedded"`
	MinInfoStatus      string `gorm:"column:min_info_status;type:text;not null"`
}

func (SafetyEventRecord) TableName() string {
	return "safety_events_raw"
}

// GormDestination writes replicated events into a SQLite or Postgres database. It backs local
// development and CI, where a Snowflake account is not available.
type GormDestination struct {
	db     *gorm.DB
	owned  bool
	logger *zap.Logger
}

// NewGormDestination opens the database and migrates the per-family tables.
func NewGormDestination(ctx context.Context, driver, dsn string, logger *zap.Logger) (*GormDestination, error) {
	dialector, err := database.Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}
	destination, err := NewGormDestinationWithDB(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	destination.owned = true
	return destination, nil
}

// NewGormDestinationWithDB wraps an existing handle and migrates the per-family tables.
// Close leaves a borrowed handle open.
func NewGormDestinationWithDB(ctx context.Context, db *gorm.DB, logger *zap.Logger) (*GormDestination, error) {
	if db == nil {
		return nil, fmt.Errorf("destination database handle is required")
	}
	if err := db.WithContext(ctx).AutoMigrate(&CallEventRecord{}, &ExpenseEventRecord{}, &SafetyEventRecord{}); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormDestination{db: db, logger: logger}, nil
}

func (d *GormDestination) Merge(ctx context.Context, table string, row DestinationRow) (bool, error) {
	values := map[string]interface{}{
		"event_id":        row.EventID,
		"event_type":      row.EventType,
		"idempotency_key": row.IdempotencyKey,
		"user_id":         row.UserID,
		"hcp_id":          row.SubjectID,
		"source_event_ts": row.SourceEventTS.UTC(),
		"payload":         row.Payload,
	}
	for _, column := range row.Aux {
		values[strings.ToLower(column.Name)] = column.Document
	}

	result := d.db.WithContext(ctx).
		Table(strings.ToLower(table)).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(values)
	if result.Error != nil {
		return false, fmt.Errorf("merge into %s: %w", table, result.Error)
	}
	if result.RowsAffected == 0 {
		d.logger.Debug("destination row already present",
			zap.String("table", table),
			zap.String("event_id", row.EventID))
		return false, nil
	}
	return true, nil
}

func (d *GormDestination) Close() error {
	if !d.owned {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
