// Package diskguard checks free space on the work volume before downloads and
// accounts for bytes reserved by downloads still in flight.
package diskguard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/transfer"
	"golang.org/x/sys/unix"
)

const (
	mb       = 1024 * 1024
	lockFile = ".diskguard.lock"
)

// Usage is a snapshot of the work volume in megabytes.
type Usage struct {
	AvailableMB int64
	TotalMB     int64
}

// StatFunc returns available and total bytes of the volume holding path.
type StatFunc func(path string) (available, total uint64, err error)

// Recorder receives free space readings.
type Recorder interface {
	RecordDiskFree(bytes int64)
}

// RequiredFreeMB returns the free space the guard demands on a volume of totalMB.
func RequiredFreeMB(totalMB int64, production bool) int64 {
	switch {
	case totalMB < 5000:
		return 50
	case totalMB < 20000:
		return 100
	case production:
		return 300
	default:
		return 500
	}
}

// Guard checks the work directory. It is safe for concurrent use.
type Guard struct {
	dir        string
	production bool
	stat       StatFunc
	recorder   Recorder
	lock       *flock.Flock

	mu       sync.Mutex
	reserved int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithStatFunc replaces the statfs call, used by tests.
func WithStatFunc(fn StatFunc) Option {
	return func(g *Guard) { g.stat = fn }
}

// WithRecorder reports readings to r.
func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// New creates a guard for dir.
func New(dir string, production bool, opts ...Option) *Guard {
	g := &Guard{
		dir:        dir,
		production: production,
		stat:       statfs,
		lock:       flock.New(filepath.Join(dir, lockFile)),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Check returns volume usage minus outstanding reservations, or a
// *transfer.ResourceError when free space is below the tier threshold.
func (g *Guard) Check(ctx context.Context) (Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.check(ctx, 0)
}

// Reserve checks that bytes more can be written and holds them against later
// checks until release is called. Only the check and the bookkeeping are
// serialised, never the download that follows.
func (g *Guard) Reserve(ctx context.Context, bytes int64) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// other processes sharing the work dir
	if err := g.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock work dir: %w", err)
	}

	defer func() {
		if unlockErr := g.lock.Unlock(); unlockErr != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to unlock work dir", "err", unlockErr)
		}
	}()

	if _, err := g.check(ctx, bytes); err != nil {
		return nil, err
	}

	g.reserved += bytes

	var once sync.Once

	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.reserved -= bytes
			g.mu.Unlock()
		})
	}, nil
}

// Reserved returns the bytes currently held by reservations.
func (g *Guard) Reserved() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.reserved
}

// check must be called with g.mu held.
func (g *Guard) check(ctx context.Context, want int64) (Usage, error) {
	logger := logctx.LoggerFromContext(ctx)

	avail, total, err := g.stat(g.dir)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to stat work dir %s: %w", g.dir, err)
	}

	free := int64(avail) - g.reserved - want
	if free < 0 {
		free = 0
	}

	if g.recorder != nil {
		g.recorder.RecordDiskFree(int64(avail))
	}

	usage := Usage{AvailableMB: free / mb, TotalMB: int64(total / mb)}
	required := RequiredFreeMB(usage.TotalMB, g.production)

	if usage.AvailableMB < required {
		logger.Warn("insufficient disk space",
			"available", humanize.IBytes(uint64(free)),
			"reserved", humanize.IBytes(uint64(g.reserved)),
			"required_mb", required,
			"total_mb", usage.TotalMB,
		)

		return usage, &transfer.ResourceError{
			AvailableMB: usage.AvailableMB,
			RequiredMB:  required,
			TotalMB:     usage.TotalMB,
		}
	}

	logger.Debug("disk space ok", "available", humanize.IBytes(uint64(free)), "required_mb", required)

	return usage, nil
}

func statfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}

	//nolint:unconvert // Bsize is int64 on linux and uint32 on darwin
	bsize := uint64(st.Bsize)

	return st.Bavail * bsize, st.Blocks * bsize, nil
}
