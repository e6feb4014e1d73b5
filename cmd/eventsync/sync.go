package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
	"github.com/MarcoPoloResearchLab/eventsync/internal/replication"
	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one replication batch and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			if !cmd.Flags().Changed("limit") {
				limit = application.config.Worker.BatchLimit
			}

			lease, closeLease, err := buildLease(application)
			if err != nil {
				return err
			}
			defer closeLease()

			worker, err := buildWorker(application, lease)
			if err != nil {
				return err
			}

			summary, runErr := worker.Run(cmd.Context(), replication.RunOptions{Limit: limit, DryRun: dryRun})
			if runErr != nil && summary.Processed == 0 {
				return runErr
			}
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to process (defaults to worker.batch_limit)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would replicate without writing")
	return cmd
}

func newRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <event_id>...",
		Short: "Move failed events back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			var failures []error
			for _, eventID := range args {
				if err := application.store.Requeue(cmd.Context(), eventID); err != nil {
					failures = append(failures, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", eventID)
			}
			return errors.Join(failures...)
		},
	}
}

func newStatusCommand() *cobra.Command {
	var (
		list  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print sync ledger counts, optionally listing entries of one status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			counts, err := application.store.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			report := statusReport{Counts: counts}

			if list != "" {
				status, err := events.ParseStatus(list)
				if err != nil {
					return err
				}
				entries, err := application.store.ListByStatus(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					report.Events = append(report.Events, statusEntry{
						EventID:   entry.Event.EventID,
						EventType: entry.Event.EventType,
						Status:    entry.Status,
						Attempts:  entry.Attempts,
						LastError: entry.LastError,
					})
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&list, "list", "", "List entries with this status (pending, synced, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to list")
	return cmd
}

type statusReport struct {
	Counts map[events.Status]int64 `json:"counts"`
	Events []statusEntry           `json:"events,omitempty"`
}

type statusEntry struct {
	EventID   string        `json:"event_id"`
	EventType string        `json:"event_type"`
	Status    events.Status `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError *string       `json:"last_error,omitempty"`
}

func buildLease(application *app) (replication.Lease, func(), error) {
	redisURL := application.config.Worker.LockRedisURL
	if redisURL == "" {
		return nil, func() {}, nil
	}
	lease, err := replication.NewRedisLease(redisURL, application.config.Worker.LockTTL, application.logger)
	if err != nil {
		return nil, nil, err
	}
	return lease, func() { _ = lease.Close() }, nil
}

func buildWorker(application *app, lease replication.Lease) (*replication.Worker, error) {
	router, err := replication.NewRouter(replication.DefaultRoutes())
	if err != nil {
		return nil, err
	}
	return replication.NewWorker(replication.WorkerConfig{
		Ledger:          application.store,
		Router:          router,
		OpenDestination: replication.NewDestinationOpener(application.config.Warehouse, application.logger),
		Lease:           lease,
		Concurrency:     application.config.Worker.Concurrency,
		RetryFailed:     application.config.Worker.RetryFailed,
		Logger:          application.logger,
	})
}

func printJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
