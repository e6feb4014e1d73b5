package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "drafts.service.new"
	opSave       = "drafts.save"
	opGet        = "drafts.get"

	maxDraftIDLength = 64
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider events.IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider events.IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = events.NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Save upserts the draft, replacing all of its fields. An empty DraftID mints a new one.
func (s *Service) Save(ctx context.Context, request SaveRequest) (Draft, error) {
	draftID := strings.TrimSpace(request.DraftID)
	if len(draftID) > maxDraftIDLength {
		return Draft{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDraftID, maxDraftIDLength)
	}
	if draftID == "" {
		minted, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err)
			return Draft{}, newServiceError(opSave, "id_generation_failed", err)
		}
		draftID = minted
	}

	content, err := events.CompactDocument(request.Content)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	userID, err := events.NormalizeCorrelationID(request.UserID)
	if err != nil {
		return Draft{}, err
	}
	subjectID, err := events.NormalizeCorrelationID(request.SubjectID)
	if err != nil {
		return Draft{}, err
	}

	draft := Draft{
		DraftID:     draftID,
		UserID:      userID,
		SubjectID:   subjectID,
		EventID:     strings.TrimSpace(request.EventID),
		ContentJSON: content,
		UpdatedAt:   s.clock().UTC(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "draft_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "subject_id", "event_id", "content_json", "updated_at"}),
	}).Create(&draft).Error
	if err != nil {
		s.logError(opSave, "upsert_failed", err, zap.String("draft_id", draftID))
		return Draft{}, newServiceError(opSave, "upsert_failed", err)
	}
	return draft, nil
}

// Get loads a draft. The boolean is false, with a nil error, when no draft has the id.
func (s *Service) Get(ctx context.Context, draftID string) (Draft, bool, error) {
	var draft Draft
	err := s.db.WithContext(ctx).Where("draft_id = ?", strings.TrimSpace(draftID)).Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Draft{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("draft_id", draftID))
		return Draft{}, false, newServiceError(opGet, "query_failed", err)
	}
	return draft, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("draft service error", attrs...)
}
