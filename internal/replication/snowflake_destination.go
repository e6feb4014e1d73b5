package replication

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"github.com/snowflakedb/gosnowflake"
	"github.com/youmark/pkcs8"
	"go.uber.org/zap"
)

const snowflakePingTimeout = 10 * time.Second

var snowflakeIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// SnowflakeDestination merges rows into Snowflake tables keyed on EVENT_ID.
type SnowflakeDestination struct {
	db     *sql.DB
	schema string
	logger *zap.Logger
}

// NewSnowflakeDestination connects with password or key-pair authentication and verifies the
// session with a ping.
func NewSnowflakeDestination(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (*SnowflakeDestination, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schema != "" && !snowflakeIdentifier.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid warehouse schema %q", cfg.Schema)
	}

	connectorConfig := gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Role:      cfg.Role,
	}
	if strings.TrimSpace(cfg.Password) != "" {
		connectorConfig.Password = cfg.Password
	} else {
		privateKey, err := loadPrivateKey(cfg.PrivateKeyPath, cfg.PrivateKeyPassphrase)
		if err != nil {
			return nil, err
		}
		connectorConfig.Authenticator = gosnowflake.AuthTypeJwt
		connectorConfig.PrivateKey = privateKey
	}

	db := sql.OpenDB(gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, connectorConfig))
	pingContext, cancel := context.WithTimeout(ctx, snowflakePingTimeout)
	defer cancel()
	if err := db.PingContext(pingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to snowflake: %w", err)
	}

	logger.Info("snowflake destination connected",
		zap.String("account", cfg.Account),
		zap.String("database", cfg.Database),
		zap.String("schema", cfg.Schema))
	return &SnowflakeDestination{db: db, schema: cfg.Schema, logger: logger}, nil
}

func (d *SnowflakeDestination) Merge(ctx context.Context, table string, row DestinationRow) (bool, error) {
	statement, err := buildMergeStatement(d.schema, table, row.Aux)
	if err != nil {
		return false, err
	}

	args := []interface{}{
		row.EventID,
		row.EventType,
		row.IdempotencyKey,
		nullableString(row.UserID),
		nullableString(row.SubjectID),
		row.SourceEventTS.UTC().Format(time.RFC3339Nano),
		row.Payload,
	}
	for _, column := range row.Aux {
		args = append(args, column.Document)
	}

	result, err := d.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return false, fmt.Errorf("merge into %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("merge into %s: %w", table, err)
	}
	return affected > 0, nil
}

func (d *SnowflakeDestination) Close() error {
	return d.db.Close()
}

// buildMergeStatement renders an insert-if-absent MERGE for the table and its auxiliary columns.
func buildMergeStatement(schema, table string, aux []AuxColumn) (string, error) {
	if !snowflakeIdentifier.MatchString(table) {
		return "", fmt.Errorf("%w: invalid table name %q", ErrShapingFailed, table)
	}
	qualified := table
	if schema != "" {
		qualified = schema + "." + table
	}

	sources := []string{
		"? AS EVENT_ID",
		"? AS EVENT_TYPE",
		"? AS IDEMPOTENCY_KEY",
		"? AS USER_ID",
		"? AS HCP_ID",
		"TO_TIMESTAMP_TZ(?) AS SOURCE_EVENT_TS",
		"PARSE_JSON(?) AS PAYLOAD",
	}
	columns := []string{"EVENT_ID", "EVENT_TYPE", "IDEMPOTENCY_KEY", "USER_ID", "HCP_ID", "SOURCE_EVENT_TS", "PAYLOAD"}
	for _, column := range aux {
		name := strings.ToUpper(column.Name)
		if !snowflakeIdentifier.MatchString(name) {
			return "", fmt.Errorf("%w: invalid column name %q", ErrShapingFailed, column.Name)
		}
		sources = append(sources, "PARSE_JSON(?) AS "+name)
		columns = append(columns, name)
	}

	values := make([]string, len(columns))
	for index, column := range columns {
		values[index] = "s." + column
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "MERGE INTO %s t USING (SELECT %s) s ON t.EVENT_ID = s.EVENT_ID ", qualified, strings.Join(sources, ", "))
	fmt.Fprintf(&builder, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(columns, ", "), strings.Join(values, ", "))
	return builder.String(), nil
}

// loadPrivateKey reads a PEM encoded RSA key: PKCS#8, optionally encrypted, or PKCS#1.
func loadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return parsePrivateKey(contents, passphrase)
}

func parsePrivateKey(contents []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, fmt.Errorf("private key is encrypted but no passphrase is configured")
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %q", block.Type)
	}
}

func nullableString(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}
