package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidLimit      = errors.New("limit must be at least 1")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew      = "events.store.new"
	opCapture       = "events.capture"
	opListUnsynced  = "events.list_unsynced"
	opListByStatus  = "events.list_by_status"
	opGet           = "events.get"
	opMarkSynced    = "events.mark_synced"
	opMarkFailed    = "events.mark_failed"
	opRequeue       = "events.requeue"
	opCountByStatus = "events.count_by_status"

	columnEventID        = "event_id"
	columnEventType      = "event_type"
	columnIdempotencyKey = "idempotency_key"
	columnCreatedAt      = "created_at"
	columnStatus         = "status"
	columnLastError      = "last_error"
	columnAttempts       = "attempts"
	columnUpdatedAt      = "updated_at"
	ledgerAssociation    = "SyncStatus"

	queryIdempotencyKey = columnIdempotencyKey + " = ?"
	queryEventID        = columnEventID + " = ?"

	reasonMissingDatabase   = "missing_database"
	reasonIDGenerationFail  = "id_generation_failed"
	reasonEventUpsertFailed = "event_upsert_failed"
	reasonEventLookupFailed = "event_lookup_failed"
	reasonStatusUpsertFail  = "status_upsert_failed"
	reasonStatusUpdateFail  = "status_update_failed"
	reasonQueryFailed       = "query_failed"
	reasonInvalidLimit      = "invalid_limit"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the event store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store records events and owns the sync ledger that tracks their replication.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Capture records an event under its idempotency key. A new key mints an event id and a
// pending ledger row; a known key keeps its event id, takes the latest event type and resets
// the ledger row to pending. Both writes commit together or not at all.
func (s *Store) Capture(ctx context.Context, request CaptureRequest) (CaptureResult, error) {
	validated, err := validateCapture(request)
	if err != nil {
		return CaptureResult{}, err
	}

	candidateID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCapture, reasonIDGenerationFail, err)
		return CaptureResult{}, newServiceError(opCapture, reasonIDGenerationFail, err)
	}

	now := s.clock().UTC()
	var result CaptureResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		model := Event{
			EventID:        candidateID,
			EventType:      validated.eventType,
			PayloadJSON:    validated.payloadJSON,
			UserID:         validated.userID,
			SubjectID:      validated.subjectID,
			IdempotencyKey: validated.idempotencyKey,
			CreatedAt:      now,
		}
		upsert := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnIdempotencyKey}},
			DoUpdates: clause.AssignmentColumns([]string{columnEventType}),
		}).Create(&model)
		if upsert.Error != nil {
			s.logError(opCapture, reasonEventUpsertFailed, upsert.Error,
				zap.String(columnIdempotencyKey, validated.idempotencyKey))
			return newServiceError(opCapture, reasonEventUpsertFailed, upsert.Error)
		}

		var stored Event
		if err := transaction.Select(columnEventID).
			Where(queryIdempotencyKey, validated.idempotencyKey).
			Take(&stored).Error; err != nil {
			s.logError(opCapture, reasonEventLookupFailed, err,
				zap.String(columnIdempotencyKey, validated.idempotencyKey))
			return newServiceError(opCapture, reasonEventLookupFailed, err)
		}

		ledger := SyncStatus{
			EventID:   stored.EventID,
			Status:    StatusPending,
			UpdatedAt: now,
		}
		if err := transaction.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnEventID}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				columnStatus:    StatusPending,
				columnUpdatedAt: now,
			}),
		}).Create(&ledger).Error; err != nil {
			s.logError(opCapture, reasonStatusUpsertFail, err,
				zap.String(columnEventID, stored.EventID))
			return newServiceError(opCapture, reasonStatusUpsertFail, err)
		}

		result = CaptureResult{
			EventID: stored.EventID,
			Created: stored.EventID == candidateID,
		}
		return nil
	})
	if transactionError != nil {
		return CaptureResult{}, transactionError
	}

	s.logger.Debug("event captured",
		zap.String(columnEventID, result.EventID),
		zap.String(columnEventType, validated.eventType),
		zap.Bool("created", result.Created))
	return result, nil
}

// ListUnsynced returns up to query.Limit events that still need replication, oldest first.
func (s *Store) ListUnsynced(ctx context.Context, query UnsyncedQuery) ([]PendingEvent, error) {
	if query.Limit < 1 {
		return nil, newServiceError(opListUnsynced, reasonInvalidLimit, errInvalidLimit)
	}

	statusColumn := clause.Column{Table: ledgerAssociation, Name: columnStatus}
	var condition clause.Expression = clause.Eq{Column: statusColumn, Value: StatusPending}
	if query.IncludeFailed {
		condition = clause.Neq{Column: statusColumn, Value: StatusSynced}
	}

	var rows []Event
	err := s.db.WithContext(ctx).
		InnerJoins(ledgerAssociation).
		Where(condition).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Table: clause.CurrentTable, Name: columnCreatedAt}},
			{Column: clause.Column{Table: clause.CurrentTable, Name: columnEventID}},
		}}).
		Limit(query.Limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opListUnsynced, reasonQueryFailed, err)
		return nil, newServiceError(opListUnsynced, reasonQueryFailed, err)
	}
	return s.toPendingEvents(opListUnsynced, rows), nil
}

// ListByStatus returns ledger rows in the given state, most recently updated first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]PendingEvent, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, newServiceError(opListByStatus, reasonInvalidLimit, errInvalidLimit)
	}

	var rows []Event
	err := s.db.WithContext(ctx).
		InnerJoins(ledgerAssociation).
		Where(clause.Eq{Column: clause.Column{Table: ledgerAssociation, Name: columnStatus}, Value: status}).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Table: ledgerAssociation, Name: columnUpdatedAt}, Desc: true},
			{Column: clause.Column{Table: clause.CurrentTable, Name: columnEventID}},
		}}).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError(opListByStatus, reasonQueryFailed, err, zap.String(columnStatus, string(status)))
		return nil, newServiceError(opListByStatus, reasonQueryFailed, err)
	}
	return s.toPendingEvents(opListByStatus, rows), nil
}

// Get returns the event and its ledger state; the boolean is false when the id is unknown.
func (s *Store) Get(ctx context.Context, eventID string) (PendingEvent, bool, error) {
	var row Event
	err := s.db.WithContext(ctx).
		InnerJoins(ledgerAssociation).
		Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: columnEventID}, Value: eventID}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingEvent{}, false, nil
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(columnEventID, eventID))
		return PendingEvent{}, false, newServiceError(opGet, reasonQueryFailed, err)
	}
	pending := s.toPendingEvents(opGet, []Event{row})
	if len(pending) == 0 {
		return PendingEvent{}, false, nil
	}
	return pending[0], true, nil
}

// MarkSynced records a successful replication and clears the last error.
func (s *Store) MarkSynced(ctx context.Context, eventID string) error {
	return s.transition(ctx, opMarkSynced, eventID, map[string]interface{}{
		columnStatus:    StatusSynced,
		columnLastError: nil,
	})
}

// MarkFailed records a failed replication attempt with its error message.
func (s *Store) MarkFailed(ctx context.Context, eventID, message string) error {
	return s.transition(ctx, opMarkFailed, eventID, map[string]interface{}{
		columnStatus:    StatusFailed,
		columnLastError: message,
	})
}

// transition applies a worker-side status change. Synced rows are never touched, which
// keeps synced terminal even if a stale run reports on an event again.
func (s *Store) transition(ctx context.Context, operation, eventID string, updates map[string]interface{}) error {
	updates[columnAttempts] = gorm.Expr(columnAttempts + " + 1")
	updates[columnUpdatedAt] = s.clock().UTC()

	result := s.db.WithContext(ctx).
		Model(&SyncStatus{}).
		Where(queryEventID+" AND "+columnStatus+" <> ?", eventID, StatusSynced).
		Updates(updates)
	if result.Error != nil {
		s.logError(operation, reasonStatusUpdateFail, result.Error, zap.String(columnEventID, eventID))
		return newServiceError(operation, reasonStatusUpdateFail, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	exists, err := s.ledgerRowExists(ctx, eventID)
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(columnEventID, eventID))
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	s.logger.Debug("ledger transition skipped for synced event",
		zap.String("operation", operation),
		zap.String(columnEventID, eventID))
	return nil
}

// Requeue moves a failed event back to pending so the next run picks it up.
func (s *Store) Requeue(ctx context.Context, eventID string) error {
	result := s.db.WithContext(ctx).
		Model(&SyncStatus{}).
		Where(queryEventID+" AND "+columnStatus+" = ?", eventID, StatusFailed).
		Updates(map[string]interface{}{
			columnStatus:    StatusPending,
			columnUpdatedAt: s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opRequeue, reasonStatusUpdateFail, result.Error, zap.String(columnEventID, eventID))
		return newServiceError(opRequeue, reasonStatusUpdateFail, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("event requeued", zap.String(columnEventID, eventID))
		return nil
	}

	exists, err := s.ledgerRowExists(ctx, eventID)
	if err != nil {
		s.logError(opRequeue, reasonQueryFailed, err, zap.String(columnEventID, eventID))
		return newServiceError(opRequeue, reasonQueryFailed, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return fmt.Errorf("%w: %s", ErrNotRequeueable, eventID)
}

// CountByStatus returns the number of ledger rows per status. Every status is present in the map.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type statusCount struct {
		Status Status `gorm:"column:status"`
		Total  int64  `gorm:"column:total"`
	}
	var rows []statusCount
	if err := s.db.WithContext(ctx).
		Model(&SyncStatus{}).
		Select(columnStatus + ", COUNT(*) AS total").
		Group(columnStatus).
		Scan(&rows).Error; err != nil {
		s.logError(opCountByStatus, reasonQueryFailed, err)
		return nil, newServiceError(opCountByStatus, reasonQueryFailed, err)
	}

	counts := map[Status]int64{
		StatusPending: 0,
		StatusSynced:  0,
		StatusFailed:  0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (s *Store) ledgerRowExists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&SyncStatus{}).
		Where(queryEventID, eventID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) toPendingEvents(operation string, rows []Event) []PendingEvent {
	pending := make([]PendingEvent, 0, len(rows))
	for _, row := range rows {
		ledger := row.SyncStatus
		if ledger == nil {
			s.logger.Warn("event without ledger row",
				zap.String("operation", operation),
				zap.String(columnEventID, row.EventID))
			continue
		}
		row.SyncStatus = nil
		pending = append(pending, PendingEvent{
			Event:     row,
			Status:    ledger.Status,
			LastError: ledger.LastError,
			Attempts:  ledger.Attempts,
			UpdatedAt: ledger.UpdatedAt,
		})
	}
	return pending
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("event store error", attrs...)
}
