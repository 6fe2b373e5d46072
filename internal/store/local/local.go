package local

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"cncworker/internal/models"
	"cncworker/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.JobStore on a single SQLite file. It backs the
// standalone workstation setup where no PostgreSQL server is available.
type Store struct {
	db *sql.DB
}

var _ store.JobStore = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies the schema.
// ":memory:" gives a throwaway database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// SQLite serialises writers anyway; one connection also keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

const jobColumns = `
	j.id, j.user_id, j.tool_id, j.material_id, j.name, j.status, j.priority, j.note,
	j.cancellation_reason, j.admin_id, j.created_at, j.status_updated_at,
	f.id, f.user_id, f.file_name, f.created_at`

const jobFrom = ` FROM jobs j JOIN files f ON f.id = j.file_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
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

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *Store) HasJobInProgress(ctx context.Context) (bool, error) {
	return s.existsWithStatus(ctx, models.JobStatusInProgress)
}

func (s *Store) HasJobsOnHold(ctx context.Context) (bool, error) {
	return s.existsWithStatus(ctx, models.JobStatusOnHold)
}

func (s *Store) existsWithStatus(ctx context.Context, status models.JobStatus) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE status = ?)`, string(status)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for %s jobs: %w", status, err)
	}
	return exists, nil
}

// NextJobByPriorityDesc returns the on_hold job with the highest priority,
// oldest first among equals.
func (s *Store) NextJobByPriorityDesc(ctx context.Context) (*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.status = ? ORDER BY j.priority DESC, j.id ASC LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, string(models.JobStatusOnHold)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no job on hold: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch next job: %w", err)
	}
	return job, nil
}

func (s *Store) SetStatus(ctx context.Context, id int64, status models.JobStatus, change models.StatusChange) (*models.Job, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT`+jobColumns+jobFrom+` WHERE j.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}

	if err := job.ApplyStatus(status, change, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, admin_id = ?, cancellation_reason = ?, status_updated_at = ? WHERE id = ?`,
		string(job.Status), job.AdminID, job.CancellationReason, job.StatusUpdatedAt, job.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("job %d: %w", id, models.ErrConcurrentExecution)
		}
		return nil, fmt.Errorf("failed to update status for job %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status for job %d: %w", id, err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT`+jobColumns+jobFrom+` WHERE j.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs lists jobs by ascending priority, the reverse of the order jobs
// are picked for execution.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != 0 {
		where = append(where, "j.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, filter.Status)
		}
		where = append(where, "j.status = ?")
		args = append(args, string(filter.Status))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT` + jobColumns + jobFrom)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY j.priority ASC, j.id ASC")
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
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

func (s *Store) CreateFile(ctx context.Context, file *models.File) error {
	file.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (user_id, file_name, created_at) VALUES (?, ?, ?)`,
		file.UserID, file.FileName, file.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", file.FileName, err)
	}
	file.ID, err = res.LastInsertId()
	return err
}

// CreateJob inserts a job for an existing file and fills in the file
// details. New jobs start in pending_approval unless a status is set.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPendingApproval
	}
	if !job.Status.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, job.Status)
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, file_name, created_at FROM files WHERE id = ?`, job.File.ID,
	).Scan(&job.File.UserID, &job.File.FileName, &job.File.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("file %d: %w", job.File.ID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to look up file %d: %w", job.File.ID, err)
	}

	job.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (user_id, file_id, tool_id, material_id, name, status, priority, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UserID, job.File.ID, job.ToolID, job.MaterialID, job.Name, string(job.Status), job.Priority, job.Note, job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %q: %w", job.Name, models.ErrConcurrentExecution)
		}
		return fmt.Errorf("failed to create job %q: %w", job.Name, err)
	}
	job.ID, err = res.LastInsertId()
	return err
}
