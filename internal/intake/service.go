package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/eventsync/internal/drafts"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"go.uber.org/zap"
)

// Event types produced by the intake workflows.
const (
	EventCallReportCreated = "CALL_REPORT_CREATED"
	EventSafetyTriggered   = "SAFETY_TRIGGERED"
	EventExpenseSubmitted  = "EXPENSE_SUBMITTED"
)

var (
	// ErrInvalidCallReport indicates missing call report identity fields or a malformed report.
	ErrInvalidCallReport = errors.New("intake: invalid call report")
	// ErrInvalidExpense indicates a malformed expense document.
	ErrInvalidExpense = errors.New("intake: invalid expense")
)

// EventRecorder captures events into the store of record.
type EventRecorder interface {
	Capture(ctx context.Context, request events.CaptureRequest) (events.CaptureResult, error)
}

// DraftWriter persists the working copy of a call report.
type DraftWriter interface {
	Save(ctx context.Context, request drafts.SaveRequest) (drafts.Draft, error)
}

type ServiceConfig struct {
	Events EventRecorder
	Drafts DraftWriter
	Logger *zap.Logger
}

// Service turns producer submissions into events, deriving idempotency keys when none is given.
type Service struct {
	events EventRecorder
	drafts DraftWriter
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Events == nil {
		return nil, errors.New("intake: event recorder is required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("intake: draft writer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{events: cfg.Events, drafts: cfg.Drafts, logger: logger}, nil
}

// CallReportInput is a structured call report submitted by a field rep.
type CallReportInput struct {
	UserID         string
	SubjectID      string
	VisitTime      string
	Report         json.RawMessage
	IdempotencyKey string
}

// CallReportResult identifies everything a call report submission produced.
type CallReportResult struct {
	EventID       string
	DraftID       string
	SafetyEventID string
	Created       bool
}

type callReportEnvelope struct {
	CallReportID json.RawMessage `json:"call_report_id"`
	Compliance   json.RawMessage `json:"compliance"`
}

type safetyPayload struct {
	CallReportID json.RawMessage `json:"call_report_id"`
	UserID       string          `json:"user_id"`
	HcpID        string          `json:"hcp_id"`
	Compliance   json.RawMessage `json:"compliance"`
}

// RecordCallReport captures CALL_REPORT_CREATED, saves a draft linked to it and, when the report's
// compliance section flags an adverse event, captures SAFETY_TRIGGERED under "<key>:safety".
func (s *Service) RecordCallReport(ctx context.Context, input CallReportInput) (CallReportResult, error) {
	userID := strings.TrimSpace(input.UserID)
	subjectID := strings.TrimSpace(input.SubjectID)
	visitTime := strings.TrimSpace(input.VisitTime)
	if userID == "" || subjectID == "" || visitTime == "" {
		return CallReportResult{}, fmt.Errorf("%w: user_id, hcp_id and visit time are required", ErrInvalidCallReport)
	}

	report, err := events.CompactDocument(input.Report)
	if err != nil || !strings.HasPrefix(report, "{") {
		return CallReportResult{}, fmt.Errorf("%w: report must be a JSON object", ErrInvalidCallReport)
	}
	var envelope callReportEnvelope
	if err := json.Unmarshal([]byte(report), &envelope); err != nil {
		return CallReportResult{}, fmt.Errorf("%w: %v", ErrInvalidCallReport, err)
	}
	adverseEvent, err := adverseEventMentioned(envelope.Compliance)
	if err != nil {
		return CallReportResult{}, err
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		key = fmt.Sprintf("call:%s:%s:%s", userID, subjectID, visitTime)
	}

	captured, err := s.events.Capture(ctx, events.CaptureRequest{
		EventType:      EventCallReportCreated,
		Payload:        json.RawMessage(report),
		UserID:         &userID,
		SubjectID:      &subjectID,
		IdempotencyKey: key,
	})
	if err != nil {
		return CallReportResult{}, err
	}

	draft, err := s.drafts.Save(ctx, drafts.SaveRequest{
		UserID:    &userID,
		SubjectID: &subjectID,
		EventID:   captured.EventID,
		Content:   json.RawMessage(report),
	})
	if err != nil {
		return CallReportResult{}, err
	}

	result := CallReportResult{EventID: captured.EventID, DraftID: draft.DraftID, Created: captured.Created}
	if !adverseEvent {
		return result, nil
	}

	callReportID := envelope.CallReportID
	if len(callReportID) == 0 {
		callReportID = json.RawMessage("null")
	}
	safety, err := json.Marshal(safetyPayload{
		CallReportID: callReportID,
		UserID:       userID,
		HcpID:        subjectID,
		Compliance:   envelope.Compliance,
	})
	if err != nil {
		return CallReportResult{}, err
	}
	safetyEvent, err := s.events.Capture(ctx, events.CaptureRequest{
		EventType:      EventSafetyTriggered,
		Payload:        safety,
		UserID:         &userID,
		SubjectID:      &subjectID,
		IdempotencyKey: key + ":safety",
	})
	if err != nil {
		return CallReportResult{}, err
	}
	result.SafetyEventID = safetyEvent.EventID

	s.logger.Info("adverse event flagged on call report",
		zap.String("event_id", captured.EventID),
		zap.String("safety_event_id", safetyEvent.EventID))
	return result, nil
}

func adverseEventMentioned(compliance json.RawMessage) (bool, error) {
	trimmed := strings.TrimSpace(string(compliance))
	if trimmed == "" || trimmed == "null" {
		return false, nil
	}
	var section map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &section); err != nil {
		return false, fmt.Errorf("%w: compliance must be a JSON object", ErrInvalidCallReport)
	}
	flag, _ := section["adverse_event_mentioned"].(bool)
	return flag, nil
}

// ExpenseInput is an expense report submitted by a field rep.
type ExpenseInput struct {
	UserID         *string
	SubjectID      *string
	Expense        json.RawMessage
	IdempotencyKey string
}

// RecordExpense captures EXPENSE_SUBMITTED. Without a caller key the key is derived from the
// SHA-256 of the compact expense document, so identical resubmissions collapse to one event.
func (s *Service) RecordExpense(ctx context.Context, input ExpenseInput) (events.CaptureResult, error) {
	expense, err := events.CompactDocument(input.Expense)
	if err != nil || !strings.HasPrefix(expense, "{") {
		return events.CaptureResult{}, fmt.Errorf("%w: expense must be a JSON object", ErrInvalidExpense)
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		digest := sha256.Sum256([]byte(expense))
		key = "expense:" + hex.EncodeToString(digest[:])
	}

	return s.events.Capture(ctx, events.CaptureRequest{
		EventType:      EventExpenseSubmitted,
		Payload:        json.RawMessage(expense),
		UserID:         input.UserID,
		SubjectID:      input.SubjectID,
		IdempotencyKey: key,
	})
}
