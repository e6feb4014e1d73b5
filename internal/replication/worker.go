package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies what a run did, or would do, with one event.
type Outcome string

const (
	OutcomeSynced     Outcome = "synced"
	OutcomeFailed     Outcome = "failed"
	OutcomeWouldSync  Outcome = "would_sync"
	OutcomeUnroutable Outcome = "unroutable"
)

// Ledger is the part of the event store the worker depends on.
type Ledger interface {
	ListUnsynced(ctx context.Context, query events.UnsyncedQuery) ([]events.PendingEvent, error)
	MarkSynced(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, message string) error
}

// RunOptions parameterize a single run.
type RunOptions struct {
	Limit  int
	DryRun bool
}

// Action records the result for one event, in selection order.
type Action struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Table     string  `json:"table,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Inserted  bool    `json:"inserted,omitempty"`
	Error     string  `json:"error,omitempty"`

	err error
}

// Summary reports the counts of a run. Unroutable events of a live run count as failed as well.
type Summary struct {
	Processed  int      `json:"processed"`
	Synced     int      `json:"synced"`
	Failed     int      `json:"failed"`
	WouldSync  int      `json:"would_sync"`
	Unroutable int      `json:"unroutable"`
	DryRun     bool     `json:"dry_run"`
	Actions    []Action `json:"actions"`
}

func (s *Summary) record(action Action) {
	s.Processed++
	switch action.Outcome {
	case OutcomeSynced:
		s.Synced++
	case OutcomeFailed:
		s.Failed++
	case OutcomeWouldSync:
		s.WouldSync++
	case OutcomeUnroutable:
		s.Unroutable++
	}
	if action.Outcome == OutcomeFailed && errors.Is(action.err, ErrUnroutableEvent) {
		s.Unroutable++
	}
	s.Actions = append(s.Actions, action)
}

// WorkerConfig describes the dependencies of the replication worker.
type WorkerConfig struct {
	Ledger          Ledger
	Router          *Router
	OpenDestination DestinationOpener
	Lease           Lease
	Concurrency     int
	RetryFailed     bool
	Logger          *zap.Logger
}

// Worker replicates unsynced events to the destination in bounded batches.
type Worker struct {
	ledger          Ledger
	router          *Router
	openDestination DestinationOpener
	local           LocalLease
	lease           Lease
	concurrency     int
	retryFailed     bool
	logger          *zap.Logger
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("replication: ledger is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("replication: router is required")
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		ledger:          cfg.Ledger,
		router:          cfg.Router,
		openDestination: cfg.OpenDestination,
		lease:           cfg.Lease,
		concurrency:     concurrency,
		retryFailed:     cfg.RetryFailed,
		logger:          logger,
	}, nil
}

// Run selects up to options.Limit unsynced events, oldest first, and replicates each one.
// Per-event failures are recorded in the ledger and never abort the batch. Only the
// preconditions (limit, lease, destination) and batch selection fail the run as a whole.
// A dry run resolves routes and writes nothing.
func (w *Worker) Run(ctx context.Context, options RunOptions) (Summary, error) {
	if options.Limit < 1 {
		return Summary{}, fmt.Errorf("%w: got %d", ErrInvalidLimit, options.Limit)
	}

	releaseLocal, err := w.local.Acquire(ctx)
	if err != nil {
		return Summary{}, err
	}
	defer releaseLocal()
	if w.lease != nil {
		releaseShared, err := w.lease.Acquire(ctx)
		if err != nil {
			return Summary{}, err
		}
		defer releaseShared()
	}

	var destination Destination
	if !options.DryRun {
		if w.openDestination == nil {
			return Summary{}, fmt.Errorf("%w: no destination configured", ErrDestinationUnavailable)
		}
		destination, err = w.openDestination(ctx)
		if err != nil {
			w.logger.Error("destination unavailable", zap.String("operation", "replication.run"), zap.Error(err))
			if !errors.Is(err, ErrDestinationUnavailable) {
				err = fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
			}
			return Summary{}, err
		}
		defer func() {
			if closeErr := destination.Close(); closeErr != nil {
				w.logger.Warn("destination close failed", zap.Error(closeErr))
			}
		}()
	}

	batch, err := w.ledger.ListUnsynced(ctx, events.UnsyncedQuery{Limit: options.Limit, IncludeFailed: w.retryFailed})
	if err != nil {
		return Summary{}, fmt.Errorf("replication: select batch: %w", err)
	}

	if options.DryRun {
		summary := w.plan(batch)
		w.logger.Info("replication dry run complete",
			zap.Int("processed", summary.Processed),
			zap.Int("would_sync", summary.WouldSync),
			zap.Int("unroutable", summary.Unroutable))
		return summary, nil
	}

	summary, err := w.apply(ctx, destination, batch)
	w.logger.Info("replication run complete",
		zap.Int("processed", summary.Processed),
		zap.Int("synced", summary.Synced),
		zap.Int("failed", summary.Failed))
	return summary, err
}

func (w *Worker) plan(batch []events.PendingEvent) Summary {
	summary := Summary{DryRun: true, Actions: make([]Action, 0, len(batch))}
	for _, pending := range batch {
		action := Action{EventID: pending.Event.EventID, EventType: pending.Event.EventType}
		if route, ok := w.router.Resolve(pending.Event.EventType); ok {
			action.Table = route.Table
			action.Outcome = OutcomeWouldSync
		} else {
			action.Outcome = OutcomeUnroutable
		}
		summary.record(action)
	}
	return summary
}

func (w *Worker) apply(ctx context.Context, destination Destination, batch []events.PendingEvent) (Summary, error) {
	actions := make([]Action, len(batch))
	started := make([]bool, len(batch))

	var group errgroup.Group
	group.SetLimit(w.concurrency)
	for index, pending := range batch {
		if ctx.Err() != nil {
			break
		}
		started[index] = true
		group.Go(func() error {
			actions[index] = w.replicate(ctx, destination, pending.Event)
			return nil
		})
	}
	_ = group.Wait()

	summary := Summary{Actions: make([]Action, 0, len(batch))}
	for index, action := range actions {
		if started[index] {
			summary.record(action)
		}
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// replicate applies one event and records the outcome in the ledger. Ledger writes outlive
// cancellation so that a started event always leaves a recorded state.
func (w *Worker) replicate(ctx context.Context, destination Destination, event events.Event) Action {
	action := Action{EventID: event.EventID, EventType: event.EventType}
	ledgerContext := context.WithoutCancel(ctx)

	route, ok := w.router.Resolve(event.EventType)
	if !ok {
		return w.fail(ledgerContext, action, fmt.Errorf("%w: %s", ErrUnroutableEvent, event.EventType))
	}
	action.Table = route.Table

	row, err := route.Shape(event)
	if err != nil {
		return w.fail(ledgerContext, action, err)
	}

	inserted, err := destination.Merge(ctx, route.Table, row)
	if err != nil {
		return w.fail(ledgerContext, action, err)
	}
	action.Inserted = inserted

	if err := w.ledger.MarkSynced(ledgerContext, event.EventID); err != nil {
		w.logger.Error("ledger update failed",
			zap.String("operation", "replication.mark_synced"),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		action.Outcome = OutcomeFailed
		action.Error = BoundedError(err)
		return action
	}

	action.Outcome = OutcomeSynced
	w.logger.Debug("event replicated",
		zap.String("event_id", event.EventID),
		zap.String("table", route.Table),
		zap.Bool("inserted", inserted))
	return action
}

func (w *Worker) fail(ctx context.Context, action Action, cause error) Action {
	message := BoundedError(cause)
	action.Outcome = OutcomeFailed
	action.Error = message
	action.err = cause

	w.logger.Warn("event replication failed",
		zap.String("event_id", action.EventID),
		zap.String("event_type", action.EventType),
		zap.String("reason", message))
	if err := w.ledger.MarkFailed(ctx, action.EventID, message); err != nil {
		w.logger.Error("ledger update failed",
			zap.String("operation", "replication.mark_failed"),
			zap.String("event_id", action.EventID),
			zap.Error(err))
	}
	return action
}
