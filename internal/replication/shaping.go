package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
)

// AuxColumn is a family-specific semi-structured column written next to the payload.
type AuxColumn struct {
	Name     string
	Document string
}

// DestinationRow is the shaped, destination-ready form of an event.
type DestinationRow struct {
	EventID        string
	EventType      string
	IdempotencyKey string
	UserID         *string
	SubjectID      *string
	SourceEventTS  time.Time
	Payload        string
	Aux            []AuxColumn
}

// FamilyPayload is implemented by each event family's payload variant.
type FamilyPayload interface {
	AuxColumns() ([]AuxColumn, error)
}

// CallReportPayload is the CALL family view of an event document.
type CallReportPayload struct {
	Compliance json.RawMessage `json:"compliance"`
	Citations  json.RawMessage `json:"citations"`
}

func (p *CallReportPayload) AuxColumns() ([]AuxColumn, error) {
	compliance, err := auxDocument("compliance", p.Compliance, documentObject)
	if err != nil {
		return nil, err
	}
	citations, err := auxDocument("citations", p.Citations, documentArray)
	if err != nil {
		return nil, err
	}
	return []AuxColumn{
		{Name: "COMPLIANCE", Document: compliance},
		{Name: "CITATIONS", Document: citations},
	}, nil
}

// ExpensePayload is the EXPENSE family view of an event document.
type ExpensePayload struct {
	PolicyFlags json.RawMessage `json:"policy_flags"`
}

func (p *ExpensePayload) AuxColumns() ([]AuxColumn, error) {
	flags, err := auxDocument("policy_flags", p.PolicyFlags, documentObject)
	if err != nil {
		return nil, err
	}
	return []AuxColumn{{Name: "POLICY_FLAGS", Document: flags}}, nil
}

// SafetyPayload is the SAFETY family view of an event document.
type SafetyPayload struct {
	MinInfoStatus json.RawMessage `json:"min_info_status"`
}

func (p *SafetyPayload) AuxColumns() ([]AuxColumn, error) {
	status, err := auxDocument("min_info_status", p.MinInfoStatus, documentObject)
	if err != nil {
		return nil, err
	}
	return []AuxColumn{{Name: "MIN_INFO_STATUS", Document: status}}, nil
}

type documentKind byte

const (
	documentObject documentKind = '{'
	documentArray  documentKind = '['
)

func (k documentKind) empty() string {
	if k == documentArray {
		return "[]"
	}
	return "{}"
}

func (k documentKind) String() string {
	if k == documentArray {
		return "array"
	}
	return "object"
}

// shapeAs builds a ShapeFunc that decodes the event into the variant returned by newPayload.
func shapeAs(newPayload func() FamilyPayload) ShapeFunc {
	return func(event events.Event) (DestinationRow, error) {
		document := bytes.TrimSpace([]byte(event.PayloadJSON))
		if len(document) == 0 || document[0] != byte(documentObject) {
			return DestinationRow{}, fmt.Errorf("%w: payload of %s must be a JSON object", ErrShapingFailed, event.EventID)
		}
		payload := newPayload()
		if err := json.Unmarshal(document, payload); err != nil {
			return DestinationRow{}, fmt.Errorf("%w: decode %s: %v", ErrShapingFailed, event.EventID, err)
		}
		aux, err := payload.AuxColumns()
		if err != nil {
			return DestinationRow{}, err
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, document); err != nil {
			return DestinationRow{}, fmt.Errorf("%w: compact %s: %v", ErrShapingFailed, event.EventID, err)
		}

		return DestinationRow{
			EventID:        event.EventID,
			EventType:      event.EventType,
			IdempotencyKey: event.IdempotencyKey,
			UserID:         event.UserID,
			SubjectID:      event.SubjectID,
			SourceEventTS:  event.CreatedAt.UTC(),
			Payload:        compact.String(),
			Aux:            aux,
		}, nil
	}
}

// auxDocument compacts an auxiliary field, substituting the empty document when it is absent or null.
func auxDocument(field string, raw json.RawMessage, kind documentKind) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return kind.empty(), nil
	}
	if trimmed[0] != byte(kind) {
		return "", fmt.Errorf("%w: %s must be a JSON %s", ErrShapingFailed, field, kind)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrShapingFailed, field, err)
	}
	return compact.String(), nil
}
