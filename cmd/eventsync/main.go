package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"github.com/MarcoPoloResearchLab/eventsync/internal/database"
	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"github.com/MarcoPoloResearchLab/eventsync/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "eventsync",
		Short:         "Event capture API and warehouse replication worker",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newRequeueCommand(),
		newStatusCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Store of record driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Store of record DSN or SQLite path")
	cmd.PersistentFlags().String("warehouse-driver", defaults.GetString("warehouse.driver"), "Destination driver (snowflake, sqlite, postgres)")
	cmd.PersistentFlags().Int("concurrency", defaults.GetInt("worker.concurrency"), "Events replicated in parallel per run")
	cmd.PersistentFlags().String("signing-secret", "", "Service token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "warehouse.driver", "warehouse-driver")
	bindFlag(cmd, "worker.concurrency", "concurrency")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

// app holds the resources shared by every subcommand.
type app struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *events.Store
}

func openApp(ctx context.Context) (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, database.Config{
		Driver: appConfig.Database.Driver,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open store of record: %w", err)
	}

	store, err := events.NewStore(events.StoreConfig{
		Database:   db,
		IDProvider: events.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{config: appConfig, logger: logger, db: db, store: store}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}
