package replication

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"go.uber.org/zap"
)

// Destination applies shaped rows to the analytical warehouse. Merge inserts the row when no row
// with the same event id exists and is a no-op otherwise; inserted reports which case applied.
type Destination interface {
	Merge(ctx context.Context, table string, row DestinationRow) (inserted bool, err error)
	Close() error
}

// DestinationOpener connects to the destination at the start of a live run.
type DestinationOpener func(ctx context.Context) (Destination, error)

// OpenDestination validates the warehouse configuration and connects to the configured driver.
// Every failure wraps ErrDestinationUnavailable.
func OpenDestination(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (Destination, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}

	var (
		destination Destination
		err         error
	)
	switch cfg.Driver {
	case config.DriverSnowflake:
		destination, err = NewSnowflakeDestination(ctx, cfg, logger)
	default:
		destination, err = NewGormDestination(ctx, cfg.Driver, cfg.DSN, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	return destination, nil
}

// NewDestinationOpener binds OpenDestination to a configuration for use by the worker.
func NewDestinationOpener(cfg config.WarehouseConfig, logger *zap.Logger) DestinationOpener {
	return func(ctx context.Context) (Destination, error) {
		return OpenDestination(ctx, cfg, logger)
	}
}
