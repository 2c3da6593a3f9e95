package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/google/uuid"
)

const jobColumns = `
	id, snapshot_id, point_owned_by, point_name, job_type, job_status,
	used_bytes, total_bytes, errors, create_date, end_date
`

// JobResult is the terminal write of a job
type JobResult struct {
	Status     domain.JobStatus
	EndDate    time.Time
	SnapshotID *string
	UsedBytes  *int64
	Error      string
}

// CreateJob inserts a new job row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO repo_jobs (` + jobColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.SnapshotID,
		job.PointOwnedBy,
		job.PointName,
		job.JobType,
		job.JobStatus,
		job.UsedBytes,
		job.TotalBytes,
		job.Errors,
		job.CreateDate,
		job.EndDate,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id
func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM repo_jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs of one volume, newest first. One row beyond PageSize
// is fetched so callers can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM repo_jobs WHERE point_owned_by = $1 AND point_name = $2`
	args := []interface{}{filter.Owner, filter.Name}
	argIdx := 3

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (create_date, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreateDate, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY create_date DESC, id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// AddJobUsedBytes adds n to used_bytes of a running job
func (s *Storage) AddJobUsedBytes(ctx context.Context, id uuid.UUID, n int64) error {
	query := `
		UPDATE repo_jobs
		SET used_bytes = used_bytes + $1
		WHERE id = $2 AND job_status = $3
	`

	return s.execRunning(ctx, "used bytes", query, n, id, domain.JobStatusRunning)
}

// SetJobTotalBytes sets total_bytes of a running job
func (s *Storage) SetJobTotalBytes(ctx context.Context, id uuid.UUID, n int64) error {
	query := `
		UPDATE repo_jobs
		SET total_bytes = $1
		WHERE id = $2 AND job_status = $3
	`

	return s.execRunning(ctx, "total bytes", query, n, id, domain.JobStatusRunning)
}

func (s *Storage) execRunning(ctx context.Context, what, query string, n int64, id uuid.UUID, status domain.JobStatus) error {
	result, err := s.db.ExecContext(ctx, query, n, id, status)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", what, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job progress update - no rows affected (job may not be running)",
			slog.String("job_id", id.String()),
			slog.String("field", what),
		)
	}
	return nil
}

// FinishJob performs the single terminal write of a running job
func (s *Storage) FinishJob(ctx context.Context, id uuid.UUID, res JobResult) error {
	query := `
		UPDATE repo_jobs
		SET job_status = $1,
		    end_date = $2,
		    snapshot_id = COALESCE($3, snapshot_id),
		    used_bytes = COALESCE($4, used_bytes),
		    errors = CASE WHEN $5::text = '' THEN errors ELSE array_append(errors, $5::text) END
		WHERE id = $6 AND job_status = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		res.Status, res.EndDate, res.SnapshotID, res.UsedBytes, res.Error, id, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("failed to finish job %s: %w", id, domain.ErrJobNotFound)
	}

	s.logger.Info("Job finished",
		slog.String("job_id", id.String()),
		slog.String("status", res.Status.String()),
	)
	return nil
}
