package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/italolelis/video_relay/internal/config"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/transfer"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type transferFlags struct {
	targetID    string
	token       string
	title       string
	description string
	labels      []string
	locale      string
	mode        string
	quiet       bool
}

func newTransferCommand(getConfig func() *config.Config) *cobra.Command {
	var flags transferFlags

	cmd := &cobra.Command{
		Use:   "transfer <source-uri>",
		Short: "Run one transfer in the foreground and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.token == "" {
				flags.token = os.Getenv("PLATFORM_ACCESS_TOKEN")
			}

			if flags.targetID == "" || flags.token == "" {
				return errors.New("--target-id and --token (or PLATFORM_ACCESS_TOKEN) are required")
			}

			mode, err := transfer.ParseMode(flags.mode)
			if err != nil {
				return err
			}

			req := transfer.Request{
				JobID:      uuid.NewString(),
				SourceURI:  args[0],
				Credential: transfer.Credential{TargetID: flags.targetID, AccessToken: flags.token},
				Metadata: transfer.Metadata{
					Title:       flags.title,
					Description: flags.description,
					Labels:      flags.labels,
					Locale:      flags.locale,
				},
				Mode: mode,
			}

			return runTransfer(cmd.Context(), getConfig(), req, cmd.OutOrStdout(), cmd.ErrOrStderr(), flags.quiet)
		},
	}

	cmd.Flags().StringVar(&flags.targetID, "target-id", "", "Target account or page id on the platform")
	cmd.Flags().StringVar(&flags.token, "token", "", "Access token for the target")
	cmd.Flags().StringVar(&flags.title, "title", "", "Video title")
	cmd.Flags().StringVar(&flags.description, "description", "", "Video description")
	cmd.Flags().StringSliceVar(&flags.labels, "label", nil, "Tag to attach (repeatable)")
	cmd.Flags().StringVar(&flags.locale, "locale", "", "Metadata locale")
	cmd.Flags().StringVar(&flags.mode, "mode", string(transfer.ModeUpload), "Publishing mode: upload, auto, link or native")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Hide the progress bar")

	return cmd
}

func runTransfer(ctx context.Context, cfg *config.Config, req transfer.Request, stdout, stderr io.Writer, quiet bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	ctx = logctx.WithLogger(ctx, a.logger)

	// drain job events, the foreground command reports the result itself
	go func() {
		for range a.controller.OnJobFinished {
		}
	}()

	go func() {
		for range a.controller.OnJobFailed {
		}
	}()

	rendered := make(chan struct{})

	if quiet {
		close(rendered)
	} else {
		events, cancel := a.tracker.Subscribe(req.JobID)
		defer cancel()

		go func() {
			defer close(rendered)

			renderProgress(events, stderr)
		}()
	}

	res, err := a.controller.Run(ctx, req)
	if err != nil {
		return err
	}

	<-rendered

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if !res.Success {
		return fmt.Errorf("transfer failed: %s", res.Error.Tag)
	}

	return nil
}

func renderProgress(events <-chan progress.Event, w io.Writer) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("init"),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
	)

	for ev := range events {
		bar.Describe(ev.Step)
		_ = bar.Set(int(ev.Percentage))

		if ev.Done {
			if ev.Success {
				_ = bar.Finish()
			}

			fmt.Fprintln(w)
		}
	}
}
