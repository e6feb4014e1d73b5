package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/drafts"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"github.com/MarcoPoloResearchLab/eventsync/internal/intake"
	"github.com/MarcoPoloResearchLab/eventsync/internal/replication"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey     = "eventsync_subject"
	defaultListLimit      = 50
	maxListLimit          = 500
	defaultRunLimit       = 200
	draftIDParameter      = "draft_id"
	eventIDParameter      = "event_id"
	errorCodeInvalidInput = "invalid_request"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEventService   = errors.New("event service dependency required")
	errMissingDraftService   = errors.New("draft service dependency required")
	errMissingIntakeService  = errors.New("intake service dependency required")
	errMissingRunner         = errors.New("replication runner dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type EventService interface {
	Capture(ctx context.Context, request events.CaptureRequest) (events.CaptureResult, error)
	Get(ctx context.Context, eventID string) (events.PendingEvent, bool, error)
	ListByStatus(ctx context.Context, status events.Status, limit int) ([]events.PendingEvent, error)
	Requeue(ctx context.Context, eventID string) error
	CountByStatus(ctx context.Context) (map[events.Status]int64, error)
}

type DraftService interface {
	Save(ctx context.Context, request drafts.SaveRequest) (drafts.Draft, error)
	Get(ctx context.Context, draftID string) (drafts.Draft, bool, error)
}

type IntakeService interface {
	RecordCallReport(ctx context.Context, input intake.CallReportInput) (intake.CallReportResult, error)
	RecordExpense(ctx context.Context, input intake.ExpenseInput) (events.CaptureResult, error)
}

type RunTrigger interface {
	Trigger()
}

type Dependencies struct {
	Tokens          TokenValidator
	Events          EventService
	Drafts          DraftService
	Intake          IntakeService
	Runner          replication.Runner
	Scheduler       RunTrigger
	DefaultRunLimit int
	Clock           func() time.Time
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Events == nil {
		return nil, errMissingEventService
	}
	if deps.Drafts == nil {
		return nil, errMissingDraftService
	}
	if deps.Intake == nil {
		return nil, errMissingIntakeService
	}
	if deps.Runner == nil {
		return nil, errMissingRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	runLimit := deps.DefaultRunLimit
	if runLimit < 1 {
		runLimit = defaultRunLimit
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		events:    deps.Events,
		drafts:    deps.Drafts,
		intake:    deps.Intake,
		runner:    deps.Runner,
		scheduler: deps.Scheduler,
		runLimit:  runLimit,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/events", handler.handleCaptureEvent)
	protected.POST("/call-reports", handler.handleCallReport)
	protected.POST("/expenses", handler.handleExpense)
	protected.PUT("/drafts/:"+draftIDParameter, handler.handleSaveDraft)
	protected.GET("/drafts/:"+draftIDParameter, handler.handleGetDraft)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/events", handler.handleListSyncEvents)
	protected.GET("/sync/events/:"+eventIDParameter, handler.handleGetSyncEvent)
	protected.POST("/sync/events/:"+eventIDParameter+"/requeue", handler.handleRequeue)
	protected.POST("/sync/run", handler.handleRun)
	protected.POST("/sync/trigger", handler.handleTrigger)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	events    EventService
	drafts    DraftService
	intake    IntakeService
	runner    replication.Runner
	scheduler RunTrigger
	runLimit  int
	clock     func() time.Time
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": h.clock().UTC().Format(time.RFC3339)})
}

type captureRequestPayload struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	UserID         *string         `json:"user_id"`
	SubjectID      *string         `json:"hcp_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type captureResponsePayload struct {
	EventID string `json:"event_id"`
	Created bool   `json:"created"`
}

func (h *httpHandler) handleCaptureEvent(c *gin.Context) {
	var request captureRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidInput})
		return
	}

	result, err := h.events.Capture(c.Request.Context(), events.CaptureRequest{
		EventType:      request.EventType,
		Payload:        request.Payload,
		UserID:         request.UserID,
		SubjectID:      request.SubjectID,
		IdempotencyKey: request.IdempotencyKey,
	})
	if err != nil {
		h.respondCaptureError(c, "capture_failed", err)
		return
	}
	c.JSON(captureStatus(result.Created), captureResponsePayload{EventID: result.EventID, Created: result.Created})
}

type callReportRequestPayload struct {
	UserID         string          `json:"user_id"`
	SubjectID      string          `json:"hcp_id"`
	VisitTime      string          `json:"datetime_local"`
	Report         json.RawMessage `json:"report"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type callReportResponsePayload struct {
	EventID       string `json:"event_id"`
	DraftID       string `json:"draft_id"`
	SafetyEventID string `json:"safety_event_id,omitempty"`
	Created       bool   `json:"created"`
}

func (h *httpHandler) handleCallReport(c *gin.Context) {
	var request callReportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidInput})
		return
	}

	result, err := h.intake.RecordCallReport(c.Request.Context(), intake.CallReportInput{
		UserID:         request.UserID,
		SubjectID:      request.SubjectID,
		VisitTime:      request.VisitTime,
		Report:         request.Report,
		IdempotencyKey: request.IdempotencyKey,
	})
	if err != nil {
		h.respondCaptureError(c, "call_report_failed", err)
		return
	}
	c.JSON(captureStatus(result.Created), callReportResponsePayload{
		EventID:       result.EventID,
		DraftID:       result.DraftID,
		SafetyEventID: result.SafetyEventID,
		Created:       result.Created,
	})
}

type expenseRequestPayload struct {
	UserID         *string         `json:"user_id"`
	SubjectID      *string         `json:"hcp_id"`
	Expense        json.RawMessage `json:"expense"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (h *httpHandler) handleExpense(c *gin.Context) {
	var request expenseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidInput})
		return
	}

	result, err := h.intake.RecordExpense(c.Request.Context(), intake.ExpenseInput{
		UserID:         request.UserID,
		SubjectID:      request.SubjectID,
		Expense:        request.Expense,
		IdempotencyKey: request.IdempotencyKey,
	})
	if err != nil {
		h.respondCaptureError(c, "expense_failed", err)
		return
	}
	c.JSON(captureStatus(result.Created), captureResponsePayload{EventID: result.EventID, Created: result.Created})
}

type draftRequestPayload struct {
	UserID    *string         `json:"user_id"`
	SubjectID *string         `json:"hcp_id"`
	EventID   string          `json:"event_id"`
	Content   json.RawMessage `json:"content"`
}

type draftResponsePayload struct {
	DraftID   string          `json:"draft_id"`
	UserID    *string         `json:"user_id"`
	SubjectID *string         `json:"hcp_id"`
	EventID   string          `json:"event_id"`
	Content   json.RawMessage `json:"content"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidInput})
		return
	}

	draft, err := h.drafts.Save(c.Request.Context(), drafts.SaveRequest{
		DraftID:   c.Param(draftIDParameter),
		UserID:    request.UserID,
		SubjectID: request.SubjectID,
		EventID:   request.EventID,
		Content:   request.Content,
	})
	switch {
	case errors.Is(err, drafts.ErrInvalidContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	case errors.Is(err, drafts.ErrInvalidDraftID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_draft_id"})
		return
	case errors.Is(err, events.ErrInvalidCorrelationID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_correlation_id"})
		return
	case err != nil:
		h.logger.Error("failed to save draft", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "draft_save_failed"})
		return
	}
	c.JSON(http.StatusOK, toDraftResponse(draft))
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	draft, found, err := h.drafts.Get(c.Request.Context(), c.Param(draftIDParameter))
	if err != nil {
		h.logger.Error("failed to load draft", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "draft_load_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "draft_not_found"})
		return
	}
	c.JSON(http.StatusOK, toDraftResponse(draft))
}

func toDraftResponse(draft drafts.Draft) draftResponsePayload {
	return draftResponsePayload{
		DraftID:   draft.DraftID,
		UserID:    draft.UserID,
		SubjectID: draft.SubjectID,
		EventID:   draft.EventID,
		Content:   json.RawMessage(draft.ContentJSON),
		UpdatedAt: draft.UpdatedAt,
	}
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	counts, err := h.events.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count sync statuses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type ledgerEntryPayload struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	IdempotencyKey  string          `json:"idempotency_key"`
	UserID          *string         `json:"user_id"`
	SubjectID       *string         `json:"hcp_id"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
	Status          events.Status   `json:"status"`
	LastError       *string         `json:"last_error"`
	Attempts        int             `json:"attempts"`
	StatusUpdatedAt time.Time       `json:"status_updated_at"`
}

func toLedgerEntry(pending events.PendingEvent) ledgerEntryPayload {
	return ledgerEntryPayload{
		EventID:         pending.Event.EventID,
		EventType:       pending.Event.EventType,
		IdempotencyKey:  pending.Event.IdempotencyKey,
		UserID:          pending.Event.UserID,
		SubjectID:       pending.Event.SubjectID,
		Payload:         json.RawMessage(pending.Event.PayloadJSON),
		CreatedAt:       pending.Event.CreatedAt,
		Status:          pending.Status,
		LastError:       pending.LastError,
		Attempts:        pending.Attempts,
		StatusUpdatedAt: pending.UpdatedAt,
	}
}

func (h *httpHandler) handleListSyncEvents(c *gin.Context) {
	status, err := events.ParseStatus(c.DefaultQuery("status", string(events.StatusFailed)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	entries, err := h.events.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list ledger entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]ledgerEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, toLedgerEntry(entry))
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

func (h *httpHandler) handleGetSyncEvent(c *gin.Context) {
	entry, found, err := h.events.Get(c.Request.Context(), c.Param(eventIDParameter))
	if err != nil {
		h.logger.Error("failed to load ledger entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
		return
	}
	c.JSON(http.StatusOK, toLedgerEntry(entry))
}

func (h *httpHandler) handleRequeue(c *gin.Context) {
	eventID := c.Param(eventIDParameter)
	err := h.events.Requeue(c.Request.Context(), eventID)
	switch {
	case errors.Is(err, events.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
	case errors.Is(err, events.ErrNotRequeueable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_requeueable"})
	case err != nil:
		h.logger.Error("failed to requeue event", zap.String("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"event_id": eventID, "status": events.StatusPending})
	}
}

type runRequestPayload struct {
	Limit  *int `json:"limit"`
	DryRun bool `json:"dry_run"`
}

func (h *httpHandler) handleRun(c *gin.Context) {
	var request runRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidInput})
			return
		}
	}
	limit := h.runLimit
	if request.Limit != nil {
		limit = *request.Limit
	}

	summary, err := h.runner.Run(c.Request.Context(), replication.RunOptions{Limit: limit, DryRun: request.DryRun})
	switch {
	case errors.Is(err, replication.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
	case errors.Is(err, replication.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress"})
	case errors.Is(err, replication.ErrDestinationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "destination_unavailable"})
	case err != nil:
		h.logger.Error("replication run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed"})
	default:
		c.JSON(http.StatusOK, summary)
	}
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_disabled"})
		return
	}
	h.scheduler.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (h *httpHandler) respondCaptureError(c *gin.Context, fallback string, err error) {
	code := captureErrorCode(err)
	if code == "" {
		h.logger.Error("capture failed", zap.String("reason", fallback), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}

func captureErrorCode(err error) string {
	switch {
	case errors.Is(err, events.ErrInvalidEventType):
		return "invalid_event_type"
	case errors.Is(err, events.ErrInvalidIdempotencyKey):
		return "invalid_idempotency_key"
	case errors.Is(err, events.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, events.ErrInvalidCorrelationID):
		return "invalid_correlation_id"
	case errors.Is(err, intake.ErrInvalidCallReport):
		return "invalid_call_report"
	case errors.Is(err, intake.ErrInvalidExpense):
		return "invalid_expense"
	default:
		return ""
	}
}

func captureStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
