package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/publish"
	"github.com/italolelis/video_relay/internal/source"
	"github.com/italolelis/video_relay/internal/transfer"
)

const (
	StrategyNative   = "native"
	StrategyReupload = "reupload"
	StrategyLink     = "link"

	StepDownload  = "download"
	StepTranscode = "transcode"
	StepUpload    = "upload"
	StepVerify    = "verify"
	StepLink      = "link"
)

// progress bands per step, in percent of the whole job
var bands = map[string][2]float64{
	StepDownload:  {0, 40},
	StepTranscode: {40, 55},
	StepUpload:    {55, 95},
	StepLink:      {55, 95},
	StepVerify:    {95, 100},
}

// strategy is one way of getting the media published. applies sees the error
// of the previous strategy, nil for the first one tried.
type strategy struct {
	name    string
	applies func(r *run, prev error) bool
	run     func(ctx context.Context, r *run) error
}

func (c *Controller) defaultStrategies() []strategy {
	return []strategy{
		{
			name: StrategyNative,
			applies: func(r *run, prev error) bool {
				return r.job.Mode == transfer.ModeNative && prev == nil && source.IsHTTP(r.job.SourceURI)
			},
			run: c.native,
		},
		{
			name: StrategyReupload,
			applies: func(r *run, _ error) bool {
				return r.job.Mode != transfer.ModeLink
			},
			run: c.reupload,
		},
		{
			name: StrategyLink,
			applies: func(r *run, prev error) bool {
				if _, ok := c.fetcher.ShareURL(r.job.SourceURI); !ok {
					return false
				}

				if r.job.Mode == transfer.ModeLink {
					return true
				}

				return r.job.Mode == transfer.ModeAuto && prev != nil &&
					(r.failedStep == StepDownload || r.failedStep == StepTranscode)
			},
			run: c.link,
		},
	}
}

// dispatch tries strategies in order until one succeeds. The error of the last
// strategy tried is returned.
func (c *Controller) dispatch(ctx context.Context, r *run) error {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	tried := false

	for _, s := range c.strategies {
		if !s.applies(r, lastErr) {
			continue
		}

		if tried {
			logger.Warn("falling back to next strategy", "strategy", s.name, "err", lastErr)
		}

		tried = true
		r.strategy = s.name

		err := s.run(ctx, r)
		if err == nil {
			return nil
		}

		lastErr = err
	}

	if !tried {
		return &transfer.ContentError{URI: r.job.SourceURI, Reason: fmt.Sprintf("no publishing strategy applies to mode %s", r.job.Mode)}
	}

	return lastErr
}

// stepFunc does the work of a step. It returns a detail for the trace and a
// status override (empty means ok).
type stepFunc func(ctx context.Context) (detail string, status transfer.StepStatus, err error)

func (c *Controller) step(ctx context.Context, r *run, name string, state transfer.State, budget time.Duration, fn stepFunc) error {
	logger := logctx.LoggerFromContext(ctx).With("step", name)
	ctx = logctx.WithLogger(ctx, logger)

	r.job.State = state
	r.job.CurrentStep = name
	c.report(r, name, 0, "started")

	if c.store != nil {
		if err := c.store.UpdateJobState(ctx, r.job.ID, state, name); err != nil {
			logger.Warn("failed to store job state", "err", err)
		}
	}

	stepCtx := ctx

	if budget > 0 {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	started := time.Now()

	var (
		detail string
		status transfer.StepStatus
	)

	err := c.telemetry.InstrumentStep(stepCtx, name, func(ctx context.Context) error {
		var err error

		detail, status, err = fn(ctx)

		return budgetError(name, r.job.SourceURI, err)
	})

	rec := transfer.StepRecord{
		Step:      name,
		Strategy:  r.strategy,
		Status:    transfer.StepOK,
		Detail:    detail,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	if err != nil {
		rec.Status = transfer.StepFailed
		rec.Detail = err.Error()
		r.failedStep = name
		r.trace = append(r.trace, rec)

		logger.Warn("step failed", "tag", transfer.Classify(err), "err", err)

		return err
	}

	if status != "" {
		rec.Status = status
	}

	r.trace = append(r.trace, rec)
	r.lastStep = name
	c.report(r, name, 1, detail)

	return nil
}

// budgetError gives an exhausted step budget the taxonomy of the step it
// interrupted.
func budgetError(step, uri string, err error) error {
	if err == nil || !errors.Is(err, context.DeadlineExceeded) || transfer.Classify(err) != transfer.TagUnknown {
		return err
	}

	switch step {
	case StepDownload:
		return &transfer.AccessError{URI: uri, Reason: "download budget exhausted", Err: err}
	case StepTranscode:
		return &transfer.TranscodeError{Path: uri, Reason: "transcode budget exhausted", Err: err}
	case StepUpload, StepLink:
		return &transfer.UploadError{Phase: transfer.PhaseTransfer, Reason: "upload budget exhausted", Err: err}
	default:
		return err
	}
}

// report maps a step-local fraction into the job-wide percentage.
func (c *Controller) report(r *run, step string, frac float64, details string) {
	band, ok := bands[step]
	if !ok {
		return
	}

	frac = min(max(frac, 0), 1)
	pct := band[0] + (band[1]-band[0])*frac
	r.job.Percentage = max(r.job.Percentage, pct)

	c.tracker.Update(r.job.ID, step, pct, details)
}

func (c *Controller) reupload(ctx context.Context, r *run) error {
	job := r.job

	var (
		localPath string
		size      int64
	)

	err := c.step(ctx, r, StepDownload, transfer.StateDownloading, c.cfg.Budgets.Download, func(ctx context.Context) (string, transfer.StepStatus, error) {
		// the guard runs before any request reaches the source
		if _, err := c.guard.Check(ctx); err != nil {
			return "", "", err
		}

		res, err := c.fetcher.Download(ctx, job.ID, job.SourceURI, func(read, total int64) {
			if total > 0 {
				c.report(r, StepDownload, float64(read)/float64(total), humanize.IBytes(uint64(read))+" downloaded")
			}
		})
		if err != nil {
			return "", "", err
		}

		if err := r.temps.Add(res.Cleanup); err != nil {
			return "", "", err
		}

		localPath, size = res.LocalPath, res.Size
		job.SourceSize = res.Size

		return fmt.Sprintf("%s via %s", humanize.IBytes(uint64(res.Size)), res.Strategy), "", nil
	})
	if err != nil {
		return err
	}

	uploadPath := localPath

	err = c.step(ctx, r, StepTranscode, transfer.StateTranscoding, c.cfg.Budgets.Transcode, func(ctx context.Context) (string, transfer.StepStatus, error) {
		out, err := c.transcoder.Transcode(ctx, job.ID, localPath, func(pct float64) {
			c.report(r, StepTranscode, pct/100, fmt.Sprintf("%.0f%% encoded", pct))
		})

		var tErr *transfer.TranscodeError
		if errors.As(budgetError(StepTranscode, localPath, err), &tErr) {
			logctx.LoggerFromContext(ctx).Warn("transcode failed, uploading the original file", "err", err)

			return "uploading original: " + err.Error(), transfer.StepDegrade, nil
		}

		if err != nil {
			return "", "", err
		}

		if out.Skipped {
			return "already compliant", transfer.StepSkipped, nil
		}

		if err := r.temps.Add(out.Cleanup); err != nil {
			return "", "", err
		}

		uploadPath, size = out.Path, out.Size

		return humanize.IBytes(uint64(out.Size)) + " encoded", "", nil
	})
	if err != nil {
		return err
	}

	err = c.step(ctx, r, StepUpload, transfer.StateUploading, c.cfg.Budgets.Upload, func(ctx context.Context) (string, transfer.StepStatus, error) {
		res, err := c.publisher.Upload(ctx, publish.Upload{
			Path:       uploadPath,
			Size:       size,
			Credential: job.Credential,
			Metadata:   job.Metadata,
		}, func(sent, total int64) {
			if total > 0 {
				c.report(r, StepUpload, float64(sent)/float64(total), humanize.IBytes(uint64(sent))+" uploaded")
			}
		})
		if err != nil {
			return "", "", err
		}

		r.mediaID = res.MediaID
		r.completedAt = res.CompletedAt
		job.FinalSize = size

		return fmt.Sprintf("media %s via %s", res.MediaID, res.Strategy), "", nil
	})
	if err != nil {
		return err
	}

	return c.verify(ctx, r)
}

// native lets the platform fetch the source itself.
func (c *Controller) native(ctx context.Context, r *run) error {
	job := r.job

	err := c.step(ctx, r, StepUpload, transfer.StateUploading, c.cfg.Budgets.Upload, func(ctx context.Context) (string, transfer.StepStatus, error) {
		resolved, err := c.fetcher.Resolve(ctx, job.SourceURI)
		if err != nil {
			return "", "", err
		}

		id, err := c.publisher.UploadFromURL(ctx, job.Credential, resolved.URL, job.Metadata)
		if err != nil {
			return "", "", err
		}

		r.mediaID = id
		r.completedAt = time.Now()
		job.SourceSize = resolved.Size

		return "platform fetched media " + id, "", nil
	})
	if err != nil {
		return err
	}

	return c.verify(ctx, r)
}

func (c *Controller) link(ctx context.Context, r *run) error {
	job := r.job

	return c.step(ctx, r, StepLink, transfer.StateUploading, c.cfg.Budgets.Upload, func(ctx context.Context) (string, transfer.StepStatus, error) {
		link, _ := c.fetcher.ShareURL(job.SourceURI)

		id, err := c.publisher.PublishLink(ctx, job.Credential, link, job.Metadata)
		if err != nil {
			return "", "", err
		}

		r.postID = id

		if job.Mode != transfer.ModeLink {
			r.degraded = true

			return "published source link as post " + id, transfer.StepDegrade, nil
		}

		return "published source link as post " + id, "", nil
	})
}

// verify is best-effort: a missing post degrades the result, it never fails it.
func (c *Controller) verify(ctx context.Context, r *run) error {
	return c.step(ctx, r, StepVerify, transfer.StateVerifying, c.cfg.Budgets.Verify, func(ctx context.Context) (string, transfer.StepStatus, error) {
		postID, err := c.publisher.Verify(ctx, r.job.Credential, r.mediaID, r.completedAt)
		if err != nil {
			r.degraded = true

			logctx.LoggerFromContext(ctx).Warn("could not confirm the post for the upload", "media_id", r.mediaID, "err", err)

			return err.Error(), transfer.StepDegrade, nil
		}

		r.postID = postID

		return "post " + postID, "", nil
	})
}
