package replication

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

func TestBuildMergeStatementForCallFamily(t *testing.T) {
	statement, err := buildMergeStatement("REP_ASSISTANT", "CALL_EVENTS_RAW", []AuxColumn{
		{Name: "COMPLIANCE", Document: "{}"},
		{Name: "CITATIONS", Document: "[]"},
	})
	require.NoError(t, err)

	assert.Contains(t, statement, "MERGE INTO REP_ASSISTANT.CALL_EVENTS_RAW t")
	assert.Contains(t, statement, "ON t.EVENT_ID = s.EVENT_ID")
	assert.Contains(t, statement, "PARSE_JSON(?) AS COMPLIANCE, PARSE_JSON(?) AS CITATIONS")
	assert.Contains(t, statement, "WHEN NOT MATCHED THEN INSERT (EVENT_ID, EVENT_TYPE, IDEMPOTENCY_KEY, USER_ID, HCP_ID, SOURCE_EVENT_TS, PAYLOAD, COMPLIANCE, CITATIONS)")
	assert.NotContains(t, statement, "WHEN MATCHED")
}

func TestBuildMergeStatementRejectsUnsafeIdentifiers(t *testing.T) {
	_, err := buildMergeStatement("", "EVENTS; DROP TABLE X", nil)
	require.ErrorIs(t, err, ErrShapingFailed)

	_, err = buildMergeStatement("", "CALL_EVENTS_RAW", []AuxColumn{{Name: "A B"}})
	require.ErrorIs(t, err, ErrShapingFailed)

	statement, err := buildMergeStatement("", "EXPENSE_EVENTS_RAW", []AuxColumn{{Name: "policy_flags"}})
	require.NoError(t, err)
	assert.Contains(t, statement, "MERGE INTO EXPENSE_EVENTS_RAW t")
	assert.Contains(t, statement, "AS POLICY_FLAGS")
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	encrypted, err := pkcs8.MarshalPrivateKey(key, []byte("passphrase"), nil)
	require.NoError(t, err)
	encryptedPEM := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})

	parsed, err := parsePrivateKey(encryptedPEM, "passphrase")
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = parsePrivateKey(encryptedPEM, "")
	require.Error(t, err)
	_, err = parsePrivateKey(encryptedPEM, "wrong")
	require.Error(t, err)

	plain, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	parsed, err = parsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: plain}), "")
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	legacy := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	path := filepath.Join(t.TempDir(), "rsa_key.pem")
	require.NoError(t, os.WriteFile(path, legacy, 0o600))
	parsed, err = loadPrivateKey(path, "")
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = parsePrivateKey([]byte("not pem"), "")
	require.Error(t, err)
}

func TestOpenDestinationRequiresConfiguration(t *testing.T) {
	_, err := OpenDestination(context.Background(), config.WarehouseConfig{Driver: config.DriverSnowflake}, nil)
	require.ErrorIs(t, err, ErrDestinationUnavailable)

	_, err = OpenDestination(context.Background(), config.WarehouseConfig{
		Driver:         config.DriverSnowflake,
		Account:        "acct",
		User:           "svc",
		Warehouse:      "WH",
		Database:       "DB",
		Schema:         "REP_ASSISTANT",
		PrivateKeyPath: filepath.Join(t.TempDir(), "missing.p8"),
	}, nil)
	require.ErrorIs(t, err, ErrDestinationUnavailable)
}

func TestOpenDestinationSQLite(t *testing.T) {
	destination, err := OpenDestination(context.Background(), config.WarehouseConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "warehouse.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, destination.Close())
}
