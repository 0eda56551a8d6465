package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/italolelis/video_relay/internal/cleanup"
	"github.com/italolelis/video_relay/internal/config"
	"github.com/italolelis/video_relay/internal/http/rest"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/notifier"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer API, janitors and notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), getConfig())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("video relay starting...", "log_level", cfg.LogLevel, "version", version)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	ctx = logctx.WithLogger(ctx, a.logger)
	logger = a.logger

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	notified := make(chan struct{})

	go func() {
		defer close(notified)

		notifier.Forward(context.WithoutCancel(ctx), notif, a.controller.OnJobFinished, a.controller.OnJobFailed)
	}()

	// =========================================================================
	// Start API Service
	handler := rest.NewTransfersHandler(cfg.API.Username, cfg.API.Password, a.controller, a.jobs, a.tracker)

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(handler, a.telemetry),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	janitor := &cleanup.Janitor{
		Dir:         cfg.WorkDir,
		TempMaxAge:  cfg.TempMaxAge,
		KeepJobsFor: cfg.KeepJobsFor,
		Interval:    cfg.CleanupInterval,
		Store:       a.jobs,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		a.tracker.Run(gctx, cfg.Progress.SweepInterval)

		return nil
	})

	g.Go(func() error {
		return janitor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	runErr := g.Wait()

	// running jobs finish before their events drain and the database closes
	logger.Info("waiting for running transfers")

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	closeErr := a.Close(closeCtx)
	<-notified

	return errors.Join(runErr, closeErr)
}
