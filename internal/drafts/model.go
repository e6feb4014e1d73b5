package drafts

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidDraftID indicates that a supplied draft identifier exceeds storage bounds.
	ErrInvalidDraftID = errors.New("drafts: invalid draft id")
	// ErrInvalidContent indicates that draft content is not a JSON document.
	ErrInvalidContent = errors.New("drafts: invalid content")
)

// Draft is the mutable working copy behind a captured event. A save replaces every field.
type Draft struct {
	DraftID     string    `gorm:"column:draft_id;primaryKey;size:64;not null"`
	UserID      *string   `gorm:"column:user_id;size:190"`
	SubjectID   *string   `gorm:"column:subject_id;size:190"`
	EventID     string    `gorm:"column:event_id;size:64;not null;index:idx_drafts_event_id"`
	ContentJSON string    `gorm:"column:content_json;type:text;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Draft) TableName() string {
	return "drafts"
}

// SaveRequest carries the full replacement state of a draft.
type SaveRequest struct {
	DraftID   string
	UserID    *string
	SubjectID *string
	EventID   string
	Content   json.RawMessage
}
