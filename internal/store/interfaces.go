package store

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"cncworker/internal/models"
	"cncworker/internal/progress"
	"cncworker/internal/tasks"
)

// --- Job Store ---

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	UserID int64
	Status models.JobStatus
	Limit  int
	Offset int
}

type JobStore interface {
	// HasJobInProgress reports whether any job is currently in_progress.
	HasJobInProgress(ctx context.Context) (bool, error)
	// HasJobsOnHold reports whether any job is approved and waiting.
	HasJobsOnHold(ctx context.Context) (bool, error)
	// NextJobByPriorityDesc returns the on_hold job with the highest
	// priority, or ErrNotFound.
	NextJobByPriorityDesc(ctx context.Context) (*models.Job, error)
	// SetStatus moves a job along the status table and returns the updated row.
	SetStatus(ctx context.Context, id int64, status models.JobStatus, change models.StatusChange) (*models.Job, error)

	GetJob(ctx context.Context, id int64) (*models.Job, error)
	// ListJobs orders by ascending priority, then id.
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	CreateFile(ctx context.Context, file *models.File) error
	CreateJob(ctx context.Context, job *models.Job) error

	Ping(ctx context.Context) error
	Close()
}

// --- Job Client ---

// Execution is the dispatcher's view of one execution run.
type Execution struct {
	ID          string             `json:"id" yaml:"id"`
	Queue       string             `json:"queue" yaml:"queue"`
	State       string             `json:"state" yaml:"state"`
	LastError   string             `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Progress    *progress.Progress `json:"progress,omitempty" yaml:"progress,omitempty"`
}

type JobClient interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueueExecution(ctx context.Context, payload tasks.ExecuteJobsPayload, timeout time.Duration) (*Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	Close() error
}
