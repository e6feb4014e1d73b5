package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "EVENTSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabaseDSN     = "eventsync.db"
	defaultAuthIssuer      = "eventsync"
	defaultAuthAudience    = "eventsync-api"
	defaultTokenTTLMinutes = 60
	defaultBatchLimit      = 200
	defaultWorkerInterval  = time.Minute
	defaultConcurrency     = 1
	defaultLeaseTTL        = 5 * time.Minute
	defaultWarehouseDriver = DriverSnowflake
	defaultWarehouseSchema = "REP_ASSISTANT"
)

// Supported storage drivers.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverSnowflake = "snowflake"
)

// ErrWarehouseNotConfigured indicates that live replication cannot start.
var ErrWarehouseNotConfigured = errors.New("config: warehouse not configured")

// AppConfig captures runtime configuration for the CLI, API server and replication worker.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string
	Database    DatabaseConfig
	Auth        AuthConfig
	Worker      WorkerConfig
	Warehouse   WarehouseConfig
}

// DatabaseConfig locates the store of record holding events, the sync ledger and drafts.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// AuthConfig configures service tokens for the HTTP boundary.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// WorkerConfig tunes the replication worker and its scheduler.
type WorkerConfig struct {
	BatchLimit   int
	Interval     time.Duration
	Concurrency  int
	RetryFailed  bool
	LockRedisURL string
	// LockTTL bounds how long a crashed runner blocks other replicas. A live holder renews it.
	LockTTL time.Duration
}

// WarehouseConfig identifies the analytical destination. It is validated lazily,
// so that dry runs and the capture API work without destination credentials.
type WarehouseConfig struct {
	Driver               string
	DSN                  string
	Account              string
	User                 string
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	Role                 string
	Warehouse            string
	Database             string
	Schema               string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("worker.batch_limit", defaultBatchLimit)
	configViper.SetDefault("worker.interval", defaultWorkerInterval)
	configViper.SetDefault("worker.concurrency", defaultConcurrency)
	configViper.SetDefault("worker.retry_failed", true)
	configViper.SetDefault("worker.lock.ttl", defaultLeaseTTL)
	configViper.SetDefault("warehouse.driver", defaultWarehouseDriver)
	configViper.SetDefault("warehouse.schema", defaultWarehouseSchema)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"auth.signing_secret",
		"worker.lock.redis_url",
		"warehouse.dsn",
		"warehouse.account",
		"warehouse.user",
		"warehouse.password",
		"warehouse.private_key_path",
		"warehouse.private_key_passphrase",
		"warehouse.role",
		"warehouse.warehouse",
		"warehouse.database",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		LogFormat:   configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Worker: WorkerConfig{
			BatchLimit:   configViper.GetInt("worker.batch_limit"),
			Interval:     configViper.GetDuration("worker.interval"),
			Concurrency:  configViper.GetInt("worker.concurrency"),
			RetryFailed:  configViper.GetBool("worker.retry_failed"),
			LockRedisURL: configViper.GetString("worker.lock.redis_url"),
			LockTTL:      configViper.GetDuration("worker.lock.ttl"),
		},
		Warehouse: WarehouseConfig{
			Driver:               strings.ToLower(strings.TrimSpace(configViper.GetString("warehouse.driver"))),
			DSN:                  configViper.GetString("warehouse.dsn"),
			Account:              configViper.GetString("warehouse.account"),
			User:                 configViper.GetString("warehouse.user"),
			Password:             configViper.GetString("warehouse.password"),
			PrivateKeyPath:       configViper.GetString("warehouse.private_key_path"),
			PrivateKeyPassphrase: configViper.GetString("warehouse.private_key_passphrase"),
			Role:                 configViper.GetString("warehouse.role"),
			Warehouse:            configViper.GetString("warehouse.warehouse"),
			Database:             configViper.GetString("warehouse.database"),
			Schema:               configViper.GetString("warehouse.schema"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Worker.BatchLimit < 1 {
		return fmt.Errorf("worker.batch_limit must be at least 1")
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.LockTTL <= 0 {
		return fmt.Errorf("worker.lock.ttl must be positive")
	}
	return nil
}

// Validate reports whether the HTTP boundary can issue and verify tokens.
func (c AuthConfig) Validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	return nil
}

// Validate checks that every field a live replication run needs is present.
func (w WarehouseConfig) Validate() error {
	switch w.Driver {
	case DriverSnowflake:
		missing := make([]string, 0, 6)
		for name, value := range map[string]string{
			"warehouse.account":   w.Account,
			"warehouse.user":      w.User,
			"warehouse.warehouse": w.Warehouse,
			"warehouse.database":  w.Database,
			"warehouse.schema":    w.Schema,
		} {
			if strings.TrimSpace(value) == "" {
				missing = append(missing, name)
			}
		}
		if strings.TrimSpace(w.Password) == "" && strings.TrimSpace(w.PrivateKeyPath) == "" {
			missing = append(missing, "warehouse.password or warehouse.private_key_path")
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return fmt.Errorf("%w: missing %s", ErrWarehouseNotConfigured, strings.Join(missing, ", "))
		}
		return nil
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(w.DSN) == "" {
			return fmt.Errorf("%w: missing warehouse.dsn", ErrWarehouseNotConfigured)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrWarehouseNotConfigured, w.Driver)
	}
}
