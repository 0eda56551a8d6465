package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/video_relay/internal/storage"
	"github.com/italolelis/video_relay/internal/transfer"
	"github.com/mattn/go-sqlite3"
)

// JobRepository implements storage.JobRepository on SQLite.
type JobRepository struct {
	db         *sql.DB
	instanceID string
}

func NewJobRepository(dbConn *sql.DB, instanceID string) *JobRepository {
	return &JobRepository{db: dbConn, instanceID: instanceID}
}

func (r *JobRepository) CreateJob(ctx context.Context, rec *storage.JobRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_uri, mode, state, step, created_at, locked_by) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceURI, string(rec.Mode), string(rec.State), rec.Step, rec.CreatedAt.UTC(), r.instanceID,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return storage.ErrJobExists
		}

		return fmt.Errorf("failed to insert job: %w", err)
	}

	rec.LockedBy = r.instanceID

	return nil
}

func (r *JobRepository) UpdateJobState(ctx context.Context, id string, state transfer.State, step string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET state = ?, step = ? WHERE id = ?`, string(state), step, id)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	return requireRow(res)
}

// FinishJob stores the terminal state and result and releases the claim.
func (r *JobRepository) FinishJob(ctx context.Context, id string, state transfer.State, result *transfer.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, result_json = ?, locked_by = NULL WHERE id = ?`,
		string(state), time.Now().UTC(), string(payload), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	return requireRow(res)
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*storage.JobRecord, error) {
	var (
		rec        storage.JobRecord
		mode       string
		state      string
		step       sql.NullString
		finishedAt sql.NullTime
		resultJSON sql.NullString
		lockedBy   sql.NullString
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, source_uri, mode, state, step, created_at, finished_at, result_json, locked_by FROM jobs WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.SourceURI, &mode, &state, &step, &rec.CreatedAt, &finishedAt, &resultJSON, &lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.Mode = transfer.Mode(mode)
	rec.State = transfer.State(state)
	rec.Step = step.String
	rec.LockedBy = lockedBy.String

	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}

	if resultJSON.Valid && resultJSON.String != "" {
		var result transfer.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}

		rec.Result = &result
	}

	return &rec, nil
}

func (r *JobRepository) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}

	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrJobNotFound
	}

	return nil
}
