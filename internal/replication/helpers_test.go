package replication

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/database"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestLedger(t *testing.T) *events.Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	}, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	current := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}

	store, err := events.NewStore(events.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: events.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return store
}

func mustCapture(t *testing.T, store *events.Store, eventType, key, payload string) string {
	t.Helper()
	result, err := store.Capture(context.Background(), events.CaptureRequest{
		EventType:      eventType,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return result.EventID
}

func mustGet(t *testing.T, store *events.Store, eventID string) events.PendingEvent {
	t.Helper()
	pending, found, err := store.Get(context.Background(), eventID)
	require.NoError(t, err)
	require.True(t, found, "event %s not found", eventID)
	return pending
}

func mustRouter(t *testing.T) *Router {
	t.Helper()
	router, err := NewRouter(DefaultRoutes())
	require.NoError(t, err)
	return router
}

type recordingDestination struct {
	mu      sync.Mutex
	rows    map[string]DestinationRow
	tables  map[string]string
	failFor map[string]error
	merges  int
	closed  bool
}

func newRecordingDestination() *recordingDestination {
	return &recordingDestination{
		rows:    map[string]DestinationRow{},
		tables:  map[string]string{},
		failFor: map[string]error{},
	}
}

func (d *recordingDestination) Merge(_ context.Context, table string, row DestinationRow) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merges++
	if err, ok := d.failFor[row.EventID]; ok {
		return false, err
	}
	if _, exists := d.rows[row.EventID]; exists {
		return false, nil
	}
	d.rows[row.EventID] = row
	d.tables[row.EventID] = table
	return true, nil
}

func (d *recordingDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *recordingDestination) opener() DestinationOpener {
	return func(context.Context) (Destination, error) {
		return d, nil
	}
}

func (d *recordingDestination) rowCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rows)
}
