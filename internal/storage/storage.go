package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/italolelis/video_relay/internal/transfer"
)

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
)

// JobRecord is the persisted ledger entry for one transfer job.
type JobRecord struct {
	ID         string           `json:"id"`
	SourceURI  string           `json:"source_uri"`
	Mode       transfer.Mode    `json:"mode"`
	State      transfer.State   `json:"state"`
	Step       string           `json:"step,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Result     *transfer.Result `json:"result,omitempty"`
	LockedBy   string           `json:"locked_by,omitempty"`
}

type JobReadRepository interface {
	GetJob(ctx context.Context, id string) (*JobRecord, error)
}

type JobWriteRepository interface {
	// CreateJob claims id for instanceID. Existing ids return ErrJobExists.
	CreateJob(ctx context.Context, rec *JobRecord) error
	UpdateJobState(ctx context.Context, id string, state transfer.State, step string) error
	FinishJob(ctx context.Context, id string, state transfer.State, result *transfer.Result) error
	// DeleteJobsBefore removes finished jobs older than before and returns how many.
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

type JobRepository interface {
	JobReadRepository
	JobWriteRepository
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random)
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
