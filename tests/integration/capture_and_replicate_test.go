package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/auth"
	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"github.com/MarcoPoloResearchLab/eventsync/internal/database"
	"github.com/MarcoPoloResearchLab/eventsync/internal/drafts"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"github.com/MarcoPoloResearchLab/eventsync/internal/intake"
	"github.com/MarcoPoloResearchLab/eventsync/internal/replication"
	"github.com/MarcoPoloResearchLab/eventsync/internal/server"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jsonContentType = "application/json"

type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func (c apiClient) post(t *testing.T, path string, body any, target any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	request, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.client.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(response.Body).Decode(target))
	}
	return response.StatusCode
}

func TestCaptureAndReplicateFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	dir := t.TempDir()

	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(dir, "store.db")}, zap.NewNop())
	require.NoError(t, err)

	store, err := events.NewStore(events.StoreConfig{Database: db, IDProvider: events.NewUUIDProvider(), Logger: zap.NewNop()})
	require.NoError(t, err)
	draftService, err := drafts.NewService(drafts.ServiceConfig{Database: db, Logger: zap.NewNop()})
	require.NoError(t, err)
	intakeService, err := intake.NewService(intake.ServiceConfig{Events: store, Drafts: draftService, Logger: zap.NewNop()})
	require.NoError(t, err)

	warehousePath := filepath.Join(dir, "warehouse.db")
	router, err := replication.NewRouter(replication.DefaultRoutes())
	require.NoError(t, err)
	worker, err := replication.NewWorker(replication.WorkerConfig{
		Ledger: store,
		Router: router,
		OpenDestination: replication.NewDestinationOpener(config.WarehouseConfig{
			Driver: config.DriverSQLite,
			DSN:    warehousePath,
		}, zap.NewNop()),
		RetryFailed: true,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "eventsync",
		Audience:      "eventsync-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	token, _, err := issuer.IssueServiceToken(ctx, "field-app")
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:          issuer,
		Events:          store,
		Drafts:          draftService,
		Intake:          intakeService,
		Runner:          worker,
		DefaultRunLimit: 100,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	testServer := httptest.NewServer(handler)
	defer testServer.Close()
	api := apiClient{baseURL: testServer.URL, token: token, client: testServer.Client()}

	var callReport struct {
		EventID       string `json:"event_id"`
		DraftID       string `json:"draft_id"`
		SafetyEventID string `json:"safety_event_id"`
	}
	status := api.post(t, "/call-reports", map[string]any{
		"user_id":        "rep-7",
		"hcp_id":         "hcp-42",
		"datetime_local": "2024-05-01T10:00",
		"report": map[string]any{
			"call_report_id": "cr-1",
			"summary":        "patient reported dizziness",
			"compliance":     map[string]any{"adverse_event_mentioned": true},
			"citations":      []any{"label-3.2"},
		},
	}, &callReport)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, callReport.SafetyEventID)

	status = api.post(t, "/expenses", map[string]any{
		"user_id": "rep-7",
		"expense": map[string]any{"amount": 18.5, "currency": "USD", "policy_flags": map[string]any{"over_limit": true}},
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	status = api.post(t, "/events", map[string]any{
		"event_type":      "AUDIT_NOTE",
		"payload":         map[string]any{"note": "no family"},
		"idempotency_key": "audit-1",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var plan replication.Summary
	status = api.post(t, "/sync/run", map[string]any{"dry_run": true}, &plan)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 4, plan.Processed)
	assert.Equal(t, 3, plan.WouldSync)
	assert.Equal(t, 1, plan.Unroutable)

	var run replication.Summary
	status = api.post(t, "/sync/run", map[string]any{}, &run)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 4, run.Processed)
	assert.Equal(t, 3, run.Synced)
	assert.Equal(t, 1, run.Failed)

	warehouse, err := gorm.Open(sqlite.Open(warehousePath), &gorm.Config{})
	require.NoError(t, err)
	var call replication.CallEventRecord
	require.NoError(t, warehouse.Where("event_id = ?", callReport.EventID).Take(&call).Error)
	assert.JSONEq(t, `{"adverse_event_mentioned":true}`, call.Compliance)
	assert.JSONEq(t, `["label-3.2"]`, call.Citations)
	var safetyRows int64
	require.NoError(t, warehouse.Model(&replication.SafetyEventRecord{}).Count(&safetyRows).Error)
	assert.Equal(t, int64(1), safetyRows)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[events.StatusSynced])
	assert.Equal(t, int64(1), counts[events.StatusFailed])

	var rerun replication.Summary
	status = api.post(t, "/sync/run", map[string]any{}, &rerun)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, rerun.Processed)
	assert.Equal(t, 0, rerun.Synced)
	assert.Equal(t, 1, rerun.Failed)
}
