package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/italolelis/video_relay/internal/config"
	"github.com/italolelis/video_relay/internal/logctx"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

const serviceName = "video_relay"

// version is set at build time.
var version = "dev"

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Relay videos from file hosts to a publishing platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadConfig()
			if err != nil {
				return err
			}

			cfg = loaded

			logger := newLogger(cfg, nil)
			slog.SetDefault(logger)
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	getConfig := func() *config.Config { return cfg }

	rootCmd.AddCommand(newServeCommand(getConfig))
	rootCmd.AddCommand(newTransferCommand(getConfig))

	return rootCmd
}

// newLogger writes JSON to stderr and fans every record out to provider. A nil
// provider falls back to the global one.
func newLogger(cfg *config.Config, provider log.LoggerProvider) *slog.Logger {
	return newLoggerTo(os.Stderr, cfg, provider)
}

func newLoggerTo(w io.Writer, cfg *config.Config, provider log.LoggerProvider) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	var opts []otelslog.Option
	if provider != nil {
		opts = append(opts, otelslog.WithLoggerProvider(provider))
	}

	return slog.New(logctx.NewTraceHandler(slogmulti.Fanout(
		jsonHandler,
		otelslog.NewHandler(serviceName, opts...),
	)))
}
