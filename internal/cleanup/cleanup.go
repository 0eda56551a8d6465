package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/storage"
)

// temp file markers written by the downloader and the transcoder
var markers = []string{"-download-", "-transcode-"}

// IsTempFile reports whether name was produced by a transfer step.
func IsTempFile(name string) bool {
	for _, m := range markers {
		if strings.Contains(name, m) {
			return true
		}
	}

	return false
}

// SweepTempFiles deletes transfer temp files in dir older than maxAge. Jobs that
// crashed or were killed leave these behind; live jobs remove their own files.
func SweepTempFiles(ctx context.Context, dir string, maxAge time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read work dir: %w", err)
	}

	removed := 0

	for _, e := range entries {
		if e.IsDir() || !IsTempFile(e.Name()) {
			continue
		}

		filePath := filepath.Join(dir, e.Name())

		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", filePath, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale temp file", "file", filePath, "err", err)

			continue
		}

		removed++

		logger.Info("deleted stale temp file", "file", filePath, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return removed, nil
}

// Janitor periodically sweeps stale temp files and prunes old job records.
type Janitor struct {
	Dir         string
	TempMaxAge  time.Duration
	KeepJobsFor time.Duration
	Interval    time.Duration
	Store       storage.JobWriteRepository
	Now         func() time.Time
}

// Sweep runs one pass.
func (j *Janitor) Sweep(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}

	if _, err := SweepTempFiles(ctx, j.Dir, j.TempMaxAge, now); err != nil {
		return err
	}

	if j.Store == nil || j.KeepJobsFor <= 0 {
		return nil
	}

	n, err := j.Store.DeleteJobsBefore(ctx, now.Add(-j.KeepJobsFor))
	if err != nil {
		return fmt.Errorf("failed to prune jobs: %w", err)
	}

	if n > 0 {
		logger.Info("pruned finished jobs", "count", n)
	}

	return nil
}

// Run sweeps once at start and then every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	if err := j.Sweep(ctx); err != nil {
		logger.Error("cleanup failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				logger.Error("cleanup failed", "err", err)
			}
		}
	}
}
