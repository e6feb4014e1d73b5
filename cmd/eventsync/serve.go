package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/eventsync/internal/drafts"
	"github.com/MarcoPoloResearchLab/eventsync/internal/intake"
	"github.com/MarcoPoloResearchLab/eventsync/internal/replication"
	"github.com/MarcoPoloResearchLab/eventsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var withoutScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the capture API and replicate on worker.interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), !withoutScheduler)
		},
	}
	cmd.Flags().BoolVar(&withoutScheduler, "no-scheduler", false, "Serve the API without the periodic replication loop")
	return cmd
}

func runServer(ctx context.Context, withScheduler bool) error {
	application, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer application.Close()
	logger := application.logger

	runCtx, cancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer background.Wait()
	defer cancel()

	tokenManager, err := newTokenIssuer(application.config.Auth)
	if err != nil {
		return err
	}

	draftService, err := drafts.NewService(drafts.ServiceConfig{
		Database: application.db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	intakeService, err := intake.NewService(intake.ServiceConfig{
		Events: application.store,
		Drafts: draftService,
		Logger: logger,
	})
	if err != nil {
		return err
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

	deps := server.Dependencies{
		Tokens:          tokenManager,
		Events:          application.store,
		Drafts:          draftService,
		Intake:          intakeService,
		Runner:          worker,
		DefaultRunLimit: application.config.Worker.BatchLimit,
		Logger:          logger,
	}

	if withScheduler {
		scheduler, err := replication.NewScheduler(replication.SchedulerConfig{
			Runner:   worker,
			Interval: application.config.Worker.Interval,
			Limit:    application.config.Worker.BatchLimit,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.Scheduler = scheduler
		background.Add(1)
		go func() {
			defer background.Done()
			scheduler.Start(runCtx)
		}()
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              application.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", application.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
