package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the replication states tracked by the sync ledger.
type Status string

const (
	// StatusPending marks an event awaiting replication.
	StatusPending Status = "pending"
	// StatusSynced marks an event applied to the warehouse. It is terminal for the worker.
	StatusSynced Status = "synced"
	// StatusFailed marks an event whose last replication attempt failed.
	StatusFailed Status = "failed"
)

const (
	maxEventTypeLength      = 190
	maxIdempotencyKeyLength = 512
	maxCorrelationIDLength  = 190
)

var (
	// ErrInvalidEventType indicates that an event type is empty or exceeds storage bounds.
	ErrInvalidEventType = errors.New("events: invalid event type")
	// ErrInvalidIdempotencyKey indicates that an idempotency key is empty or exceeds storage bounds.
	ErrInvalidIdempotencyKey = errors.New("events: invalid idempotency key")
	// ErrInvalidPayload indicates that a payload is not a JSON document.
	ErrInvalidPayload = errors.New("events: invalid payload")
	// ErrInvalidCorrelationID indicates that a user or subject identifier exceeds storage bounds.
	ErrInvalidCorrelationID = errors.New("events: invalid correlation id")
	// ErrInvalidStatus indicates an unknown sync status value.
	ErrInvalidStatus = errors.New("events: invalid status")
	// ErrEventNotFound indicates that no ledger row exists for an event id.
	ErrEventNotFound = errors.New("events: event not found")
	// ErrNotRequeueable indicates that a requeue was requested for an event that is not failed.
	ErrNotRequeueable = errors.New("events: event is not failed")
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSynced:
		return StatusSynced, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Event is an immutable business fact captured exactly once per idempotency key.
type Event struct {
	EventID        string    `gorm:"column:event_id;primaryKey;size:64;not null"`
	EventType      string    `gorm:"column:event_type;size:190;not null"`
	PayloadJSON    string    `gorm:"column:payload_json;type:text;not null"`
	UserID         *string   `gorm:"column:user_id;size:190"`
	SubjectID      *string   `gorm:"column:subject_id;size:190"`
	IdempotencyKey string    `gorm:"column:idempotency_key;size:512;not null;uniqueIndex:idx_events_idempotency_key"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_events_created_at"`

	// SyncStatus is loaded by ledger queries only. The constraint lives on sync_status.event_id.
	SyncStatus *SyncStatus `gorm:"foreignKey:EventID;references:EventID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events_raw"
}

// SyncStatus is the mutable replication record paired 1:1 with an Event.
type SyncStatus struct {
	EventID   string    `gorm:"column:event_id;primaryKey;size:64;not null"`
	Status    Status    `gorm:"column:status;size:16;not null;default:pending;index:idx_sync_status_status"`
	LastError *string   `gorm:"column:last_error;type:text"`
	Attempts  int       `gorm:"column:attempts;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string {
	return "sync_status"
}

// CaptureRequest describes a producer's request to record an event.
type CaptureRequest struct {
	EventType      string
	Payload        json.RawMessage
	UserID         *string
	SubjectID      *string
	IdempotencyKey string
}

// CaptureResult reports the canonical event id for the idempotency key.
type CaptureResult struct {
	EventID string
	Created bool
}

// PendingEvent joins an event with its ledger state.
type PendingEvent struct {
	Event     Event
	Status    Status
	LastError *string
	Attempts  int
	UpdatedAt time.Time
}

// UnsyncedQuery selects the next batch for replication.
type UnsyncedQuery struct {
	Limit         int
	IncludeFailed bool
}

type validatedCapture struct {
	eventType      string
	payloadJSON    string
	userID         *string
	subjectID      *string
	idempotencyKey string
}

func validateCapture(request CaptureRequest) (validatedCapture, error) {
	eventType := strings.TrimSpace(request.EventType)
	if eventType == "" {
		return validatedCapture{}, fmt.Errorf("%w: empty", ErrInvalidEventType)
	}
	if len(eventType) > maxEventTypeLength {
		return validatedCapture{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidEventType, maxEventTypeLength)
	}

	key := strings.TrimSpace(request.IdempotencyKey)
	if key == "" {
		return validatedCapture{}, fmt.Errorf("%w: empty", ErrInvalidIdempotencyKey)
	}
	if len(key) > maxIdempotencyKeyLength {
		return validatedCapture{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}

	payload, err := CompactDocument(request.Payload)
	if err != nil {
		return validatedCapture{}, err
	}

	userID, err := NormalizeCorrelationID(request.UserID)
	if err != nil {
		return validatedCapture{}, err
	}
	subjectID, err := NormalizeCorrelationID(request.SubjectID)
	if err != nil {
		return validatedCapture{}, err
	}

	return validatedCapture{
		eventType:      eventType,
		payloadJSON:    payload,
		userID:         userID,
		subjectID:      subjectID,
		idempotencyKey: key,
	}, nil
}

// CompactDocument validates that raw holds a JSON object or array and returns its compact encoding.
func CompactDocument(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return "", fmt.Errorf("%w: expected a JSON object or array", ErrInvalidPayload)
	}
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, []byte(trimmed)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buffer.String(), nil
}

// NormalizeCorrelationID trims a user or subject id; blank ids become nil.
func NormalizeCorrelationID(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil, nil
	}
	if len(trimmed) > maxCorrelationIDLength {
		return nil, fmt.Errorf("%w: exceeds %d characters", ErrInvalidCorrelationID, maxCorrelationIDLength)
	}
	return &trimmed, nil
}
