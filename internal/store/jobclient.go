package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"cncworker/internal/progress"
	"cncworker/internal/tasks"
)

// executionRetention keeps finished execution tasks around so their final
// progress and error stay inspectable.
const executionRetention = 24 * time.Hour

// AsynqJobClient is the concrete JobClient. It enqueues execution runs and
// reads their state back through the asynq inspector.
type AsynqJobClient struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

var _ JobClient = (*AsynqJobClient)(nil)

func NewAsynqJobClient(redis asynq.RedisConnOpt) *AsynqJobClient {
	return &AsynqJobClient{
		client:    asynq.NewClient(redis),
		inspector: asynq.NewInspector(redis),
	}
}

func (jc *AsynqJobClient) Close() error {
	err := jc.client.Close()
	if ierr := jc.inspector.Close(); err == nil {
		err = ierr
	}
	return err
}

// Enqueue enqueues a task as is.
func (jc *AsynqJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if jc.client == nil {
		return nil, fmt.Errorf("AsynqJobClient internal client is not initialized")
	}
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		log.WithError(err).WithField("task_type", task.Type()).Error("Failed to enqueue task")
		return nil, err
	}
	log.WithFields(log.Fields{"task_type": task.Type(), "task_id": info.ID, "queue": info.Queue}).Debug("Enqueued task")
	return info, nil
}

/*
EnqueueExecution schedules one execution run.

The run ID doubles as the asynq task ID. Runs are never retried: a run that
stopped on a device fault needs an operator before the machine moves again.
*/
func (jc *AsynqJobClient) EnqueueExecution(ctx context.Context, payload tasks.ExecuteJobsPayload, timeout time.Duration) (*Execution, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.NewString()
	}
	task, err := tasks.NewExecuteJobsTask(payload)
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{
		asynq.TaskID(payload.RunID),
		asynq.Queue(tasks.QueueCNC),
		asynq.MaxRetry(0),
		asynq.Retention(executionRetention),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}

	info, err := jc.Enqueue(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, fmt.Errorf("execution %s: %w", payload.RunID, ErrDuplicate)
		}
		return nil, fmt.Errorf("enqueue execution %s: %w", payload.RunID, err)
	}
	return executionFromInfo(info), nil
}

// GetExecution looks an execution run up by ID.
func (jc *AsynqJobClient) GetExecution(_ context.Context, id string) (*Execution, error) {
	info, err := jc.inspector.GetTaskInfo(tasks.QueueCNC, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("inspect execution %s: %w", id, err)
	}
	return executionFromInfo(info), nil
}

func executionFromInfo(info *asynq.TaskInfo) *Execution {
	ex := &Execution{
		ID:        info.ID,
		Queue:     info.Queue,
		State:     info.State.String(),
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt
		ex.CompletedAt = &completed
	}
	if len(info.Result) > 0 {
		var p progress.Progress
		if err := json.Unmarshal(info.Result, &p); err != nil {
			log.WithError(err).WithField("task_id", info.ID).Warn("Ignoring undecodable execution result")
		} else {
			ex.Progress = &p
		}
	}
	return ex
}
