package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/video_relay/internal/storage"
	"github.com/italolelis/video_relay/internal/telemetry"
	"github.com/italolelis/video_relay/internal/transfer"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, instanceID string, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn, instanceID),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) CreateJob(ctx context.Context, rec *storage.JobRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		return r.repo.CreateJob(ctx, rec)
	})
}

func (r *InstrumentedJobRepository) UpdateJobState(ctx context.Context, id string, state transfer.State, step string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_job_state", func(ctx context.Context) error {
		return r.repo.UpdateJobState(ctx, id, state, step)
	})
}

func (r *InstrumentedJobRepository) FinishJob(ctx context.Context, id string, state transfer.State, result *transfer.Result) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_job", func(ctx context.Context) error {
		return r.repo.FinishJob(ctx, id, state, result)
	})
}

// GetJob retrieves a job with telemetry.
func (r *InstrumentedJobRepository) GetJob(ctx context.Context, id string) (*storage.JobRecord, error) {
	var result *storage.JobRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		result, err = r.repo.GetJob(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_jobs_before", func(ctx context.Context) error {
		var err error

		deleted, err = r.repo.DeleteJobsBefore(ctx, before)

		return err
	})

	return deleted, err
}

var _ storage.JobRepository = (*InstrumentedJobRepository)(nil)
