package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/italolelis/video_relay/internal/config"
	"github.com/italolelis/video_relay/internal/diskguard"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/pipeline"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/publish"
	"github.com/italolelis/video_relay/internal/source"
	"github.com/italolelis/video_relay/internal/source/putio"
	"github.com/italolelis/video_relay/internal/storage"
	"github.com/italolelis/video_relay/internal/storage/sqlite"
	"github.com/italolelis/video_relay/internal/telemetry"
	"github.com/italolelis/video_relay/internal/transcode"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	telemetry  *telemetry.Telemetry
	db         *sql.DB
	jobs       *sqlite.InstrumentedJobRepository
	tracker    *progress.Tracker
	controller *pipeline.Controller
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if lp := tel.LoggerProvider(); lp != nil {
		logger = newLogger(cfg, lp)
		slog.SetDefault(logger)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	instanceID := storage.GenerateInstanceID()
	jobs := sqlite.NewInstrumentedJobRepository(database, instanceID, tel)

	// =========================================================================
	// Start Sources
	sourceClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	resolvers := []source.Resolver{
		source.NewDriveResolver(sourceClient, cfg.Source.DriveBaseURL, cfg.Source.DriveContentURL),
	}

	if cfg.PutioToken != "" {
		putioResolver := putio.NewResolver(cfg.PutioToken)
		if err := putioResolver.Authenticate(ctx); err != nil {
			_ = database.Close()

			return nil, fmt.Errorf("put.io authentication error: %w", err)
		}

		resolvers = append(resolvers, putioResolver)
	}

	resolvers = append(resolvers, &source.HTTPResolver{Client: sourceClient})

	guard := diskguard.New(cfg.WorkDir, cfg.IsProduction(), diskguard.WithRecorder(tel))

	downloader := source.NewDownloader(source.Config{
		WorkDir:              cfg.WorkDir,
		DirectMaxBytes:       cfg.Source.DirectMaxBytes,
		RangedMaxBytes:       cfg.Source.RangedMaxBytes,
		BufferSize:           cfg.Source.BufferSize,
		MaxRetries:           cfg.Source.MaxRetries,
		MaxStalls:            cfg.Source.MaxStalls,
		QuiescenceTimeout:    cfg.Source.QuiescenceTimeout,
		RetryInitialInterval: cfg.Source.RetryInitialInterval,
		RetryMaxElapsed:      cfg.Source.RetryMaxElapsed,
	}, sourceClient, resolvers, source.WithReserver(guard), source.WithRecorder(tel))

	// =========================================================================
	// Start Transcoder
	transcoder := transcode.New(transcode.Config{
		WorkDir:        cfg.WorkDir,
		FFmpegPath:     cfg.Transcode.FFmpegPath,
		FFprobePath:    cfg.Transcode.FFprobePath,
		MinOutputBytes: cfg.Transcode.MinOutputBytes,
		StderrLimit:    cfg.Transcode.StderrLimit,
		Profile: transcode.Profile{
			VideoCodec:       cfg.Transcode.VideoCodec,
			AudioCodec:       cfg.Transcode.AudioCodec,
			Container:        cfg.Transcode.Container,
			MaxWidth:         cfg.Transcode.MaxWidth,
			MaxHeight:        cfg.Transcode.MaxHeight,
			MinBitrateKbps:   cfg.Transcode.MinBitrateKbps,
			MaxBitrateKbps:   cfg.Transcode.MaxBitrateKbps,
			AudioBitrateKbps: cfg.Transcode.AudioBitrateKbps,
			TargetMaxBytes:   cfg.Transcode.TargetMaxBytes,
			EnforceSize:      cfg.Transcode.EnforceSize,
		},
	}, transcode.ExecRunner{GracePeriod: cfg.Transcode.GracePeriod})

	// =========================================================================
	// Start Publisher
	client := publish.NewClient(cfg.Publish.BaseURL, publish.WithTelemetry(tel))
	uploader := publish.NewUploader(publish.Config{
		SingleShotMaxBytes:   cfg.Publish.SingleShotMaxBytes,
		ResumableMaxBytes:    cfg.Publish.ResumableMaxBytes,
		ChunkSize:            cfg.Publish.ChunkSize,
		MaxRetries:           cfg.Publish.MaxRetries,
		RetryInitialInterval: cfg.Publish.RetryInitialInterval,
		RetryMaxElapsed:      cfg.Publish.RetryMaxElapsed,
		VerifyWindow:         cfg.Publish.VerifyWindow,
		VerifyInterval:       cfg.Publish.VerifyInterval,
		VerifyTolerance:      cfg.Publish.VerifyTolerance,
	}, client, publish.WithRecorder(tel))

	// =========================================================================
	// Start Pipeline
	tracker := progress.New(cfg.Progress.GracePeriod)

	controller := pipeline.NewController(pipeline.Config{
		Budgets: pipeline.Budgets{
			Download:  cfg.Budgets.Download,
			Transcode: cfg.Budgets.Transcode,
			Upload:    cfg.Budgets.Upload,
			Verify:    cfg.Budgets.Verify,
		},
		MaxParallel: cfg.MaxParallel,
	}, guard, downloader, transcoder, uploader, tracker,
		pipeline.WithStore(jobs),
		pipeline.WithTelemetry(tel),
	)

	logger.Info("pipeline ready",
		"instance_id", instanceID,
		"work_dir", cfg.WorkDir,
		"environment", cfg.Environment,
		"max_parallel", cfg.MaxParallel,
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tel,
		db:         database,
		jobs:       jobs,
		tracker:    tracker,
		controller: controller,
	}, nil
}

// Close waits for running jobs and releases resources.
func (a *app) Close(ctx context.Context) error {
	a.controller.Close()
	a.tracker.Close()

	return errors.Join(a.db.Close(), a.telemetry.Shutdown(ctx))
}
