package primary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cncworker/internal/models"
	"cncworker/internal/store"
)

var _ store.JobStore = (*StoreImpl)(nil)

const jobColumns = `
	j.id, j.user_id, j.tool_id, j.material_id, j.name, j.status, j.priority, j.note,
	j.cancellation_reason, j.admin_id, j.created_at, j.status_updated_at,
	f.id, f.user_id, f.file_name, f.created_at`

const jobFrom = ` FROM jobs j JOIN files f ON f.id = j.file_id`

// scanJob scans a row selected with jobColumns.
func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.ToolID, &j.MaterialID, &j.Name, &j.Status, &j.Priority, &j.Note,
		&j.CancellationReason, &j.AdminID, &j.CreatedAt, &j.StatusUpdatedAt,
		&j.File.ID, &j.File.UserID, &j.File.FileName, &j.File.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Execution queries ---

func (s *StoreImpl) HasJobInProgress(ctx context.Context) (bool, error) {
	return s.existsWithStatus(ctx, models.JobStatusInProgress)
}

func (s *StoreImpl) HasJobsOnHold(ctx context.Context) (bool, error) {
	return s.existsWithStatus(ctx, models.JobStatusOnHold)
}

func (s *StoreImpl) existsWithStatus(ctx context.Context, status models.JobStatus) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE status = $1)`, string(status)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for %s jobs: %w", status, err)
	}
	return exists, nil
}

// NextJobByPriorityDesc picks the approved job to run next. Higher priority
// wins; ties go to the oldest job.
func (s *StoreImpl) NextJobByPriorityDesc(ctx context.Context) (*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.status = $1 ORDER BY j.priority DESC, j.id ASC LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query, string(models.JobStatusOnHold)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no job on hold: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch next job: %w", err)
	}
	return job, nil
}

// SetStatus locks the row, applies the transition rules and writes the result back.
func (s *StoreImpl) SetStatus(ctx context.Context, id int64, status models.JobStatus, change models.StatusChange) (*models.Job, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.id = $1 FOR UPDATE OF j`
	job, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}

	if err := job.ApplyStatus(status, change, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $1, admin_id = $2, cancellation_reason = $3, status_updated_at = $4 WHERE id = $5`,
		string(job.Status), job.AdminID, job.CancellationReason, job.StatusUpdatedAt, job.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("job %d: %w", id, models.ErrConcurrentExecution)
		}
		return nil, fmt.Errorf("failed to update status for job %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status for job %d: %w", id, err)
	}
	return job, nil
}

// --- Lookups ---

func (s *StoreImpl) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs lists jobs by ascending priority. NextJobByPriorityDesc uses the
// opposite order; callers showing a queue must not assume the first row runs next.
func (s *StoreImpl) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != 0 {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("j.user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, filter.Status)
		}
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("j.status = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT` + jobColumns + jobFrom)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY j.priority ASC, j.id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// --- Creation ---

func (s *StoreImpl) CreateFile(ctx context.Context, file *models.File) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO files (user_id, file_name) VALUES ($1, $2) RETURNING id, created_at`,
		file.UserID, file.FileName,
	).Scan(&file.ID, &file.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", file.FileName, err)
	}
	return nil
}

// CreateJob inserts a job for an existing file. New jobs start in
// pending_approval unless a status is set.
func (s *StoreImpl) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPendingApproval
	}
	if !job.Status.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, job.Status)
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO jobs (user_id, file_id, tool_id, material_id, name, status, priority, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		job.UserID, job.File.ID, job.ToolID, job.MaterialID, job.Name, string(job.Status), job.Priority, job.Note,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("file %d: %w", job.File.ID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to create job %q: %w", job.Name, err)
	}
	return nil
}
