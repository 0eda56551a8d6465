// Package pipeline sequences the transfer steps of a job, picks the publishing
// strategy and maps failures to the error taxonomy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/video_relay/internal/diskguard"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/publish"
	"github.com/italolelis/video_relay/internal/source"
	"github.com/italolelis/video_relay/internal/storage"
	"github.com/italolelis/video_relay/internal/telemetry"
	"github.com/italolelis/video_relay/internal/transcode"
	"github.com/italolelis/video_relay/internal/transfer"
	"golang.org/x/sync/semaphore"
)

// ErrJobExists is returned when a job id is already running or recorded.
var ErrJobExists = errors.New("job already exists")

// Fetcher resolves and downloads sources.
type Fetcher interface {
	Resolve(ctx context.Context, uri string) (*source.Resolved, error)
	Download(ctx context.Context, jobID, uri string, onProgress func(read, total int64)) (*source.Result, error)
	ShareURL(uri string) (string, bool)
}

type Transcoder interface {
	Transcode(ctx context.Context, jobID, path string, onProgress func(pct float64)) (*transcode.Output, error)
}

type Publisher interface {
	Upload(ctx context.Context, in publish.Upload, onProgress func(sent, total int64)) (*publish.Result, error)
	UploadFromURL(ctx context.Context, cred transfer.Credential, fileURL string, meta transfer.Metadata) (string, error)
	PublishLink(ctx context.Context, cred transfer.Credential, link string, meta transfer.Metadata) (string, error)
	Verify(ctx context.Context, cred transfer.Credential, mediaID string, completedAt time.Time) (string, error)
}

// SpaceChecker is the disk guard consulted before every download.
type SpaceChecker interface {
	Check(ctx context.Context) (diskguard.Usage, error)
}

// Budgets bound the time each step may take.
type Budgets struct {
	Download  time.Duration
	Transcode time.Duration
	Upload    time.Duration
	Verify    time.Duration
}

type Config struct {
	Budgets     Budgets
	MaxParallel int
}

// Controller runs transfer jobs.
type Controller struct {
	cfg        Config
	guard      SpaceChecker
	fetcher    Fetcher
	transcoder Transcoder
	publisher  Publisher
	tracker    *progress.Tracker
	store      storage.JobWriteRepository
	telemetry  *telemetry.Telemetry
	strategies []strategy

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]struct{}

	OnJobFinished chan transfer.Result
	OnJobFailed   chan transfer.Result
}

type Option func(*Controller)

func WithStore(store storage.JobWriteRepository) Option {
	return func(c *Controller) { c.store = store }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Controller) { c.telemetry = t }
}

func NewController(
	cfg Config,
	guard SpaceChecker,
	fetcher Fetcher,
	transcoder Transcoder,
	publisher Publisher,
	tracker *progress.Tracker,
	opts ...Option,
) *Controller {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	c := &Controller{
		cfg:           cfg,
		guard:         guard,
		fetcher:       fetcher,
		transcoder:    transcoder,
		publisher:     publisher,
		tracker:       tracker,
		sem:           semaphore.NewWeighted(int64(cfg.MaxParallel)),
		running:       make(map[string]struct{}),
		OnJobFinished: make(chan transfer.Result, 16),
		OnJobFailed:   make(chan transfer.Result, 16),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.strategies = c.defaultStrategies()

	return c
}

// Run executes one job synchronously.
func (c *Controller) Run(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	job, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer c.done(job.ID)

	return c.execute(ctx, job), nil
}

// Submit starts a job in the background and returns its id. At most
// MaxParallel jobs run at once; the rest wait for a slot.
func (c *Controller) Submit(ctx context.Context, req transfer.Request) (string, error) {
	job, err := c.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	ctx = context.WithoutCancel(ctx)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer c.done(job.ID)

		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		c.execute(ctx, job)
	}()

	return job.ID, nil
}

// Wait blocks until every submitted job has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close waits for running jobs and closes the event channels.
func (c *Controller) Close() {
	c.wg.Wait()
	close(c.OnJobFinished)
	close(c.OnJobFailed)
}

func (c *Controller) prepare(ctx context.Context, req transfer.Request) (*transfer.Job, error) {
	if req.SourceURI == "" {
		return nil, fmt.Errorf("source uri is required")
	}

	mode, err := transfer.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	req.Mode = mode
	job := transfer.NewJob(req)

	if err := transfer.ValidateJobID(job.ID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.running[job.ID]; ok {
		c.mu.Unlock()

		return nil, ErrJobExists
	}
	c.running[job.ID] = struct{}{}
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.CreateJob(ctx, &storage.JobRecord{
			ID:        job.ID,
			SourceURI: job.SourceURI,
			Mode:      job.Mode,
			State:     job.State,
			CreatedAt: job.CreatedAt,
		})
		if err != nil {
			c.done(job.ID)

			if errors.Is(err, storage.ErrJobExists) {
				return nil, ErrJobExists
			}

			return nil, fmt.Errorf("failed to record job: %w", err)
		}
	}

	c.tracker.Begin(job.ID)

	return job, nil
}

func (c *Controller) done(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// execute drives job to a terminal state. Temp files are released before the
// result is published.
func (c *Controller) execute(ctx context.Context, job *transfer.Job) *transfer.Result {
	ctx = logctx.WithJobID(ctx, job.ID)
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID)
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info("transfer started", "source", job.SourceURI, "mode", job.Mode)

	r := &run{job: job, temps: &TempSet{}}

	err := c.telemetry.InstrumentJob(ctx, func(ctx context.Context) error {
		return c.dispatch(ctx, r)
	}, func() string { return r.strategy })

	if rerr := r.temps.Release(); rerr != nil {
		logger.Error("failed to remove temp files", "err", rerr)
	}

	result := r.result(err)

	if err != nil {
		job.State = transfer.StateFailed
		job.ErrorDetail = err.Error()

		logger.Error("transfer failed", "tag", result.Error.Tag, "last_step", result.Error.LastStep, "err", err)
		c.tracker.Finish(job.ID, job.CurrentStep, result.Error.Message, false)
	} else {
		job.State = transfer.StateCompleted
		job.Percentage = 100

		logger.Info("transfer completed", "strategy", result.Strategy, "media_id", result.RemoteMediaID, "post_id", result.RemotePostID, "degraded", result.Degraded)
		c.tracker.Finish(job.ID, "completed", completionDetail(result), true)
	}

	if c.store != nil {
		// the caller's context may already be gone
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := c.store.FinishJob(storeCtx, job.ID, job.State, result); serr != nil {
			logger.Error("failed to store job result", "err", serr)
		}
		cancel()
	}

	c.emit(ctx, result)

	return result
}

func (c *Controller) emit(ctx context.Context, result *transfer.Result) {
	ch := c.OnJobFinished
	if !result.Success {
		ch = c.OnJobFailed
	}

	select {
	case ch <- *result:
	default:
		logctx.LoggerFromContext(ctx).Warn("dropping job event, no consumer keeping up", "success", result.Success)
	}
}

func completionDetail(res *transfer.Result) string {
	switch {
	case res.Degraded && res.RemoteMediaID == "":
		return "published as link"
	case res.Degraded:
		return "uploaded, post not confirmed"
	default:
		return "published"
	}
}

// run is the per-job state threaded through the steps.
type run struct {
	job         *transfer.Job
	temps       *TempSet
	trace       []transfer.StepRecord
	strategy    string
	lastStep    string
	failedStep  string
	mediaID     string
	postID      string
	degraded    bool
	completedAt time.Time
}

func (r *run) result(err error) *transfer.Result {
	res := &transfer.Result{
		JobID:         r.job.ID,
		Success:       err == nil,
		Strategy:      r.strategy,
		RemoteMediaID: r.mediaID,
		RemotePostID:  r.postID,
		Degraded:      r.degraded,
		StepTrace:     r.trace,
	}

	if res.StepTrace == nil {
		res.StepTrace = []transfer.StepRecord{}
	}

	if err != nil {
		res.RemoteMediaID, res.RemotePostID, res.Degraded = "", "", false
		res.Error = transfer.NewFailure(err, r.lastStep)
	}

	return res
}
