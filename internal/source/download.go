package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/transfer"
)

const sniffLen = 512

// Config tunes download strategies.
type Config struct {
	WorkDir              string
	DirectMaxBytes       int64
	RangedMaxBytes       int64
	BufferSize           int
	MaxRetries           int
	MaxStalls            int
	QuiescenceTimeout    time.Duration
	RetryInitialInterval time.Duration
	// RetryMaxElapsed caps the time one ranged download spends across attempts.
	// Zero leaves it to MaxRetries and the deadline on ctx.
	RetryMaxElapsed time.Duration
	// SizeTolerance is the accepted relative difference between declared and
	// received byte counts.
	SizeTolerance float64
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024 * 1024
	}

	if c.QuiescenceTimeout <= 0 {
		c.QuiescenceTimeout = 30 * time.Second
	}

	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = time.Second
	}

	if c.SizeTolerance <= 0 {
		c.SizeTolerance = 0.001
	}
}

// Reserver holds disk space for the duration of a download.
type Reserver interface {
	Reserve(ctx context.Context, bytes int64) (release func(), err error)
}

// Recorder receives download metrics.
type Recorder interface {
	RecordBytesDownloaded(strategy string, n int64)
	RecordStall(strategy string)
}

// Downloader streams sources into the work directory.
type Downloader struct {
	cfg       Config
	client    *http.Client
	resolvers []Resolver
	reserver  Reserver
	recorder  Recorder
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithReserver(r Reserver) Option {
	return func(d *Downloader) { d.reserver = r }
}

func WithRecorder(r Recorder) Option {
	return func(d *Downloader) { d.recorder = r }
}

// NewDownloader creates a downloader. Resolvers are tried in order and the first
// that applies wins.
func NewDownloader(cfg Config, client *http.Client, resolvers []Resolver, opts ...Option) *Downloader {
	cfg.setDefaults()

	d := &Downloader{cfg: cfg, client: client, resolvers: resolvers}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// SelectStrategy picks the strategy for a declared size. Unknown sizes use the
// most forgiving strategy.
func (d *Downloader) SelectStrategy(size int64) Strategy {
	switch {
	case size > 0 && size <= d.cfg.DirectMaxBytes:
		return StrategyDirect
	case size > 0 && size <= d.cfg.RangedMaxBytes:
		return StrategyRanged
	default:
		return StrategyResumable
	}
}

// Resolve finds the resolver for uri and resolves it without downloading.
func (d *Downloader) Resolve(ctx context.Context, uri string) (*Resolved, error) {
	r, err := pick(d.resolvers, uri)
	if err != nil {
		return nil, err
	}

	return r.Resolve(ctx, uri)
}

// ShareURL returns the link to publish when the media cannot be uploaded.
func (d *Downloader) ShareURL(uri string) (string, bool) {
	if !IsHTTP(uri) {
		return "", false
	}

	return uri, true
}

// Download resolves uri and writes it to a temp file owned by jobID. The
// returned Cleanup removes the file unconditionally.
func (d *Downloader) Download(ctx context.Context, jobID, uri string, onProgress func(read, total int64)) (*Result, error) {
	return d.DownloadTo(ctx, jobID, uri, "", onProgress)
}

// DownloadTo is Download with an explicit output path. Relative paths are
// taken from the work dir and the path may not leave it. The file must not
// exist yet. An empty path picks a temp name.
func (d *Downloader) DownloadTo(ctx context.Context, jobID, uri, outputPath string, onProgress func(read, total int64)) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := transfer.ValidateJobID(jobID); err != nil {
		return nil, err
	}

	r, err := pick(d.resolvers, uri)
	if err != nil {
		return nil, err
	}

	res, err := r.Resolve(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source: %w", err)
	}

	strategy := d.SelectStrategy(res.Size)

	logger.Info("downloading source",
		"resolver", r.Name(),
		"strategy", strategy,
		"size", humanize.IBytes(uint64(max(res.Size, 0))),
	)

	if d.reserver != nil {
		release, err := d.reserver.Reserve(ctx, res.Size)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	path, err := d.outputPath(jobID, outputPath, extension(res))
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}

	cleanup := func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		return nil
	}

	fail := func(err error) (*Result, error) {
		_ = f.Close()

		if cerr := cleanup(); cerr != nil {
			logger.Error("failed to remove partial download", "path", path, "err", cerr)
		}

		return nil, err
	}

	t := &fetch{d: d, res: res, uri: uri, file: f, strategy: strategy, onProgress: onProgress}

	var size int64

	switch strategy {
	case StrategyDirect:
		size, err = t.direct(ctx)
	case StrategyRanged:
		size, err = t.ranged(ctx)
	default:
		size, err = t.resumable(ctx)
	}

	if err != nil {
		return fail(err)
	}

	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to flush download: %w", err))
	}

	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("failed to close download: %w", err))
	}

	if err := validateSize(uri, res.Size, size, d.cfg.SizeTolerance); err != nil {
		return fail(err)
	}

	logger.Info("source downloaded", "strategy", strategy, "size", humanize.IBytes(uint64(size)), "attempts", t.attempts)

	return &Result{
		Success:     true,
		LocalPath:   path,
		Size:        size,
		ContentType: res.ContentType,
		Strategy:    strategy,
		Resolver:    r.Name(),
		Cleanup:     cleanup,
	}, nil
}

func (d *Downloader) outputPath(jobID, explicit, ext string) (string, error) {
	if explicit == "" {
		return transfer.TempPath(d.cfg.WorkDir, jobID, "download", ext)
	}

	dir, err := filepath.Abs(d.cfg.WorkDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work dir: %w", err)
	}

	if !filepath.IsAbs(explicit) {
		explicit = filepath.Join(dir, explicit)
	}

	path := filepath.Clean(explicit)

	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q is outside %q", explicit, d.cfg.WorkDir)
	}

	return path, nil
}

// validateSize accepts received within tolerance of declared. Unknown declared
// sizes only reject empty files.
func validateSize(uri string, declared, received int64, tolerance float64) error {
	if declared <= 0 {
		if received == 0 {
			return &transfer.ContentError{URI: uri, Reason: "source is empty"}
		}

		return nil
	}

	if math.Abs(float64(received-declared)) > float64(declared)*tolerance {
		return &transfer.ContentError{URI: uri, Reason: "size mismatch", Expected: declared, Actual: received}
	}

	return nil
}

func extension(res *Resolved) string {
	if ext := filepath.Ext(res.Name); ext != "" && len(ext) <= 6 {
		return ext
	}

	if exts, err := mime.ExtensionsByType(mediaType(res.ContentType)); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ".bin"
}

// fetch carries the state of one download across attempts.
type fetch struct {
	d          *Downloader
	res        *Resolved
	uri        string
	file       *os.File
	strategy   Strategy
	onProgress func(read, total int64)

	offset   int64
	attempts int
	stalls   int
}

func (t *fetch) complete() bool {
	return t.res.Size > 0 && t.offset >= t.res.Size
}

func (t *fetch) direct(ctx context.Context) (int64, error) {
	err := t.attempt(ctx)

	return t.offset, err
}

// ranged retries with exponential backoff up to MaxRetries times, resuming at
// the current offset.
func (t *fetch) ranged(ctx context.Context) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.d.cfg.RetryInitialInterval

	return backoff.Retry(ctx, func() (int64, error) {
		err := t.attempt(ctx)
		if err == nil && t.res.Size > 0 && !t.complete() {
			err = t.shortRead()
		}

		if err != nil && !transfer.IsRetryable(err) {
			return t.offset, backoff.Permanent(err)
		}

		return t.offset, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(t.d.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(t.d.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("download attempt failed, resuming", "offset", t.offset, "retry_in", wait, "err", err)
		}),
	)
}

// resumable keeps resuming while attempts make progress. Consecutive attempts
// without a single new byte count as stalls; more than MaxStalls gives up.
func (t *fetch) resumable(ctx context.Context) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.d.cfg.RetryInitialInterval

	for {
		before := t.offset

		err := t.attempt(ctx)
		if err == nil && (t.res.Size <= 0 || t.complete()) {
			return t.offset, nil
		}

		if err == nil {
			err = t.shortRead()
		}

		if !transfer.IsRetryable(err) {
			return t.offset, err
		}

		if t.offset > before {
			t.stalls = 0

			bo.Reset()
		} else {
			t.stalls++
		}

		if t.stalls > t.d.cfg.MaxStalls {
			var stalled *transfer.StalledError
			if errors.As(err, &stalled) {
				stalled.Stalls = t.stalls
			}

			return t.offset, err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return t.offset, err
		}

		logger.Warn("download interrupted, resuming", "offset", t.offset, "stalls", t.stalls, "retry_in", wait, "err", err)

		select {
		case <-ctx.Done():
			return t.offset, fmt.Errorf("download budget exhausted at byte %d: %w", t.offset, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (t *fetch) shortRead() error {
	return &transfer.AccessError{
		URI:    t.uri,
		Reason: fmt.Sprintf("connection closed at byte %d of %d", t.offset, t.res.Size),
		Err:    io.ErrUnexpectedEOF,
	}
}

// attempt performs one GET from the current offset. A watchdog cancels it when
// no bytes arrive for the quiescence window.
func (t *fetch) attempt(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	quiescence := t.d.cfg.QuiescenceTimeout

	t.attempts++

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool

	watchdog := time.AfterFunc(quiescence, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, t.res.URL, nil)
	if err != nil {
		return &transfer.ContentError{URI: t.uri, Reason: "malformed download URL", Err: err}
	}

	for k, v := range t.res.Header {
		req.Header[k] = v
	}

	if t.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.offset))
	}

	resp, err := t.d.client.Do(req)
	if err != nil {
		return t.readError(ctx, &stalled, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && t.offset > 0:
		return nil
	case resp.StatusCode == http.StatusPartialContent && t.offset > 0:
	case resp.StatusCode == http.StatusOK:
		if t.offset > 0 {
			logger.Warn("source ignored range request, restarting download", "offset", t.offset)

			if err := t.file.Truncate(0); err != nil {
				return fmt.Errorf("failed to truncate download: %w", err)
			}

			t.offset = 0
		}
	default:
		return statusError(t.uri, resp)
	}

	var body io.Reader = resp.Body

	if t.offset == 0 {
		br := bufio.NewReaderSize(resp.Body, max(sniffLen, 4096))

		// short bodies peek with an error, which the copy loop reports
		head, _ := br.Peek(sniffLen)
		if isErrorDocument(resp.Header.Get("Content-Type"), head) {
			return &transfer.ContentError{URI: t.uri, Reason: "source returned an HTML or JSON document instead of video"}
		}

		body = br
	}

	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek download: %w", err)
	}

	interval := max(t.res.Size/100, int64(t.d.cfg.BufferSize))
	pr := progress.NewReader(body, t.res.Size, interval, t.onProgress).WithOffset(t.offset)
	buf := make([]byte, t.d.cfg.BufferSize)

	for {
		n, rerr := pr.Read(buf)
		if n > 0 {
			watchdog.Reset(quiescence)

			if _, werr := t.file.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write download: %w", werr)
			}

			t.offset += int64(n)

			if t.d.recorder != nil {
				t.d.recorder.RecordBytesDownloaded(string(t.strategy), int64(n))
			}
		}

		if errors.Is(rerr, io.EOF) {
			return nil
		}

		if rerr != nil {
			return t.readError(ctx, &stalled, rerr)
		}
	}
}

func (t *fetch) readError(ctx context.Context, stalled *atomic.Bool, err error) error {
	if stalled.Load() {
		if t.d.recorder != nil {
			t.d.recorder.RecordStall(string(t.strategy))
		}

		return &transfer.StalledError{URI: t.uri, Offset: t.offset, Quiescence: t.d.cfg.QuiescenceTimeout, Stalls: t.stalls + 1}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("download budget exhausted at byte %d: %w", t.offset, ctx.Err())
	}

	return transportError(t.uri, err)
}
