package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixedIDProvider struct {
	ids []string
}

func (p *fixedIDProvider) NewID() (string, error) {
	if len(p.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := p.ids[0]
	p.ids = p.ids[1:]
	return id, nil
}

func newTestService(t *testing.T, clock func() time.Time, ids ...string) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "drafts.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("PRAGMA foreign_keys = ON").Error)
	require.NoError(t, db.AutoMigrate(&Draft{}))

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &fixedIDProvider{ids: ids},
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return service
}

func stringPointer(value string) *string {
	return &value
}

func TestSaveMintsDraftIDWhenEmpty(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now }, "draft-minted")

	draft, err := service.Save(context.Background(), SaveRequest{
		UserID:  stringPointer("u1"),
		EventID: "evt-1",
		Content: json.RawMessage(`{ "summary": "first" }`),
	})
	require.NoError(t, err)
	assert.Equal(t, "draft-minted", draft.DraftID)
	assert.Equal(t, `{"summary":"first"}`, draft.ContentJSON)
	assert.True(t, draft.UpdatedAt.Equal(now))
}

func TestSaveReplacesExistingDraft(t *testing.T) {
	current := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return current })
	ctx := context.Background()

	_, err := service.Save(ctx, SaveRequest{
		DraftID:   "d1",
		UserID:    stringPointer("u1"),
		SubjectID: stringPointer("h1"),
		EventID:   "evt-1",
		Content:   json.RawMessage(`{"summary":"first","notes":"keep?"}`),
	})
	require.NoError(t, err)

	current = current.Add(time.Minute)
	_, err = service.Save(ctx, SaveRequest{
		DraftID: "d1",
		EventID: "evt-2",
		Content: json.RawMessage(`{"summary":"second"}`),
	})
	require.NoError(t, err)

	stored, found, err := service.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"summary":"second"}`, stored.ContentJSON)
	assert.Equal(t, "evt-2", stored.EventID)
	assert.Nil(t, stored.UserID)
	assert.Nil(t, stored.SubjectID)
	assert.True(t, stored.UpdatedAt.Equal(current))
}

func TestGetReportsMissingDraft(t *testing.T) {
	service := newTestService(t, time.Now)

	_, found, err := service.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveRejectsInvalidContent(t *testing.T) {
	service := newTestService(t, time.Now, "draft-1")

	_, err := service.Save(context.Background(), SaveRequest{DraftID: "d1", Content: json.RawMessage(`"text"`)})
	require.ErrorIs(t, err, ErrInvalidContent)
}

func TestSaveStoresBlankCorrelationIDsAsNull(t *testing.T) {
	service := newTestService(t, time.Now)
	ctx := context.Background()

	_, err := service.Save(ctx, SaveRequest{
		DraftID:   "d1",
		UserID:    stringPointer(""),
		SubjectID: stringPointer("  h1  "),
		EventID:   "evt-1",
		Content:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	stored, found, err := service.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, stored.UserID)
	require.NotNil(t, stored.SubjectID)
	assert.Equal(t, "h1", *stored.SubjectID)
}

func TestSaveRejectsOversizedCorrelationID(t *testing.T) {
	service := newTestService(t, time.Now)

	_, err := service.Save(context.Background(), SaveRequest{
		DraftID: "d1",
		UserID:  stringPointer(strings.Repeat("u", 191)),
		EventID: "evt-1",
		Content: json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, events.ErrInvalidCorrelationID)
}
