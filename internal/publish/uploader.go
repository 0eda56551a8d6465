package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/transfer"
)

// Strategy is the upload protocol chosen for a file.
type Strategy string

const (
	StrategySingle    Strategy = "single"
	StrategyResumable Strategy = "resumable"
)

type Config struct {
	SingleShotMaxBytes   int64
	ResumableMaxBytes    int64
	ChunkSize            int64
	MaxRetries           int
	RetryInitialInterval time.Duration
	VerifyWindow         time.Duration
	VerifyInterval       time.Duration
	VerifyTolerance      time.Duration
	// RetryMaxElapsed caps the time one request spends across attempts. Zero
	// leaves it to MaxRetries and the deadline on ctx.
	RetryMaxElapsed time.Duration
}

// Recorder receives upload metrics.
type Recorder interface {
	RecordBytesUploaded(strategy string, n int64)
	RecordChunkRetry()
}

// Upload describes one file to publish.
type Upload struct {
	Path       string
	Size       int64
	Credential transfer.Credential
	Metadata   transfer.Metadata
}

// Result is a finished upload.
type Result struct {
	MediaID     string
	Strategy    Strategy
	Session     *Session
	CompletedAt time.Time
}

// Uploader implements both upload protocols over a Client.
type Uploader struct {
	cfg      Config
	client   *Client
	recorder Recorder
	now      func() time.Time
}

type UploaderOption func(*Uploader)

func WithRecorder(r Recorder) UploaderOption {
	return func(u *Uploader) { u.recorder = r }
}

func WithClock(now func() time.Time) UploaderOption {
	return func(u *Uploader) { u.now = now }
}

func NewUploader(cfg Config, client *Client, opts ...UploaderOption) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 * 1024 * 1024
	}

	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}

	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 3 * time.Second
	}

	u := &Uploader{cfg: cfg, client: client, now: time.Now}
	for _, opt := range opts {
		opt(u)
	}

	return u
}

// SelectStrategy picks the protocol for size bytes.
func (u *Uploader) SelectStrategy(size int64) (Strategy, error) {
	switch {
	case size <= 0:
		return "", &transfer.UploadError{Phase: transfer.PhaseSelect, Reason: "file is empty"}
	case size < u.cfg.SingleShotMaxBytes:
		return StrategySingle, nil
	case size <= u.cfg.ResumableMaxBytes:
		return StrategyResumable, nil
	default:
		return "", &transfer.UploadError{
			Phase:  transfer.PhaseSelect,
			Reason: fmt.Sprintf("%s exceeds the %s platform limit", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(u.cfg.ResumableMaxBytes))),
		}
	}
}

// Upload sends the file with the protocol its size calls for.
func (u *Uploader) Upload(ctx context.Context, in Upload, onProgress func(sent, total int64)) (*Result, error) {
	strategy, err := u.SelectStrategy(in.Size)
	if err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx).With("strategy", strategy)
	logger.Info("uploading media", "size", humanize.IBytes(uint64(in.Size)))

	res := &Result{Strategy: strategy}

	switch strategy {
	case StrategySingle:
		res.MediaID, err = u.single(ctx, in, onProgress)
	default:
		res.MediaID, res.Session, err = u.resumable(ctx, in, onProgress)
	}

	if err != nil {
		return nil, err
	}

	res.CompletedAt = u.now()

	logger.Info("media uploaded", "media_id", res.MediaID)

	return res, nil
}

func (u *Uploader) retry() []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.RetryInitialInterval

	return []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(u.cfg.MaxRetries + 1)),
		backoff.WithMaxElapsedTime(u.cfg.RetryMaxElapsed),
	}
}

func permanentUnlessRetryable(err error) error {
	if err != nil && !transfer.IsRetryable(err) {
		return backoff.Permanent(err)
	}

	return err
}

// single reopens the file on every attempt so retries resend it from the start.
func (u *Uploader) single(ctx context.Context, in Upload, onProgress func(sent, total int64)) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	opts := append(u.retry(), backoff.WithNotify(func(err error, wait time.Duration) {
		logger.Warn("single-shot upload failed, retrying", "retry_in", wait, "err", err)
	}))

	id, err := backoff.Retry(ctx, func() (string, error) {
		f, err := os.Open(in.Path)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("failed to open upload: %w", err))
		}
		defer f.Close()

		var body io.Reader = f
		if onProgress != nil {
			body = progress.NewReader(f, in.Size, max(in.Size/100, 1), onProgress)
		}

		id, err := u.client.UploadSingle(ctx, in.Credential, filepath.Base(in.Path), body, in.Metadata)

		return id, permanentUnlessRetryable(err)
	}, opts...)
	if err != nil {
		return "", &transfer.UploadError{Phase: transfer.PhaseSingle, Err: err}
	}

	u.recordBytes(StrategySingle, in.Size)

	return id, nil
}

func (u *Uploader) resumable(ctx context.Context, in Upload, onProgress func(sent, total int64)) (string, *Session, error) {
	logger := logctx.LoggerFromContext(ctx)

	start, err := backoff.Retry(ctx, func() (*SessionStart, error) {
		s, err := u.client.StartSession(ctx, in.Credential, in.Size)

		return s, permanentUnlessRetryable(err)
	}, u.retry()...)
	if err != nil {
		return "", nil, &transfer.UploadError{Phase: transfer.PhaseInit, Err: err}
	}

	session := NewSession(start.SessionID, in.Size, u.cfg.ChunkSize)
	logger = logger.With("session_id", session.ID)

	if int64(start.StartOffset) != 0 {
		return "", session, &transfer.UploadError{Phase: transfer.PhaseInit, Reason: fmt.Sprintf("session starts at offset %d", start.StartOffset)}
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return "", session, &transfer.UploadError{Phase: transfer.PhaseInit, Reason: "failed to open upload", Err: err}
	}
	defer f.Close()

	buf := make([]byte, u.cfg.ChunkSize)

	for !session.Complete() {
		r := session.NextChunk()
		chunk := buf[:r.End-r.Start]

		// a full chunk may come back with io.EOF at the end of the file, a short one never passes
		if n, err := f.ReadAt(chunk, r.Start); n < len(chunk) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			session.State = SessionFailed

			return "", session, &transfer.UploadError{Phase: transfer.PhaseTransfer, Offset: r.Start, Reason: "failed to read chunk", Err: err}
		}

		opts := append(u.retry(), backoff.WithNotify(func(err error, wait time.Duration) {
			if u.recorder != nil {
				u.recorder.RecordChunkRetry()
			}

			logger.Warn("chunk transfer failed, retrying at same offset", "offset", r.Start, "retry_in", wait, "err", err)
		}))

		next, err := backoff.Retry(ctx, func() (*Offsets, error) {
			o, err := u.client.TransferChunk(ctx, in.Credential, session.ID, r.Start, chunk)

			return o, permanentUnlessRetryable(err)
		}, opts...)
		if err != nil {
			session.State = SessionFailed

			return "", session, &transfer.UploadError{Phase: transfer.PhaseTransfer, Offset: r.Start, Err: err}
		}

		if err := session.Accept(r); err != nil {
			session.State = SessionFailed

			return "", session, &transfer.UploadError{Phase: transfer.PhaseTransfer, Offset: r.Start, Reason: err.Error()}
		}

		if int64(next.StartOffset) != session.BytesTransferred {
			session.State = SessionFailed

			return "", session, &transfer.UploadError{
				Phase:  transfer.PhaseTransfer,
				Offset: r.Start,
				Reason: fmt.Sprintf("platform expects offset %d, local offset is %d", next.StartOffset, session.BytesTransferred),
			}
		}

		u.recordBytes(StrategyResumable, r.End-r.Start)

		if onProgress != nil {
			onProgress(session.BytesTransferred, session.TotalBytes)
		}
	}

	if !session.Tiled() {
		session.State = SessionFailed

		return "", session, &transfer.UploadError{Phase: transfer.PhaseFinish, Reason: "accepted chunks do not cover the file"}
	}

	err = u.client.FinishSession(ctx, in.Credential, session.ID, in.Metadata)
	if err != nil {
		session.State = SessionFailed

		return "", session, &transfer.UploadError{Phase: transfer.PhaseFinish, Err: err}
	}

	session.State = SessionFinished

	logger.Info("upload session finished", "chunks", len(session.Accepted))

	return start.VideoID, session, nil
}

func (u *Uploader) recordBytes(strategy Strategy, n int64) {
	if u.recorder != nil {
		u.recorder.RecordBytesUploaded(string(strategy), n)
	}
}

// UploadFromURL lets the platform fetch a public URL itself.
func (u *Uploader) UploadFromURL(ctx context.Context, cred transfer.Credential, fileURL string, meta transfer.Metadata) (string, error) {
	id, err := u.client.UploadFromURL(ctx, cred, fileURL, meta)
	if err != nil {
		return "", &transfer.UploadError{Phase: transfer.PhaseRemote, Err: err}
	}

	return id, nil
}

// PublishLink shares link on the target's feed instead of uploading the file.
func (u *Uploader) PublishLink(ctx context.Context, cred transfer.Credential, link string, meta transfer.Metadata) (string, error) {
	message := meta.Title
	if meta.Description != "" {
		if message != "" {
			message += "\n\n"
		}

		message += meta.Description
	}

	id, err := u.client.PublishLink(ctx, cred, link, message)
	if err != nil {
		return "", &transfer.UploadError{Phase: transfer.PhaseLink, Err: err}
	}

	return id, nil
}

// Verify polls the feed for the post carrying mediaID. Posts match when they
// have a video attachment created within VerifyTolerance of completedAt; an
// attachment that names mediaID wins over a time match. Running out of window
// returns a *transfer.VerificationTimeout.
func (u *Uploader) Verify(ctx context.Context, cred transfer.Credential, mediaID string, completedAt time.Time) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("media_id", mediaID)

	if u.cfg.VerifyWindow > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, u.cfg.VerifyWindow)
		defer cancel()
	}

	started := u.now()
	ticker := time.NewTicker(u.cfg.VerifyInterval)
	defer ticker.Stop()

	for {
		posts, err := u.client.Feed(ctx, cred, completedAt.Add(-u.cfg.VerifyTolerance))
		if err != nil {
			logger.Warn("failed to list feed for verification", "err", err)
		} else if id := u.match(posts, mediaID, completedAt); id != "" {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", &transfer.VerificationTimeout{MediaID: mediaID, Waited: u.now().Sub(started)}
		case <-ticker.C:
		}
	}
}

func (u *Uploader) match(posts []Post, mediaID string, completedAt time.Time) string {
	var byTime string

	for _, p := range posts {
		for _, a := range p.Attachments.Data {
			if a.MediaType != "video" {
				continue
			}

			if mediaID != "" && a.Target.ID == mediaID {
				return p.ID
			}

			if byTime == "" && absDuration(p.CreatedTime.Sub(completedAt)) <= u.cfg.VerifyTolerance {
				byTime = p.ID
			}
		}
	}

	return byTime
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
