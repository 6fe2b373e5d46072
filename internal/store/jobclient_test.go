package store

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cncworker/internal/models"
)

func TestErrNotFoundMatchesModels(t *testing.T) {
	assert.ErrorIs(t, ErrNotFound, models.ErrNotFound)
}

func TestExecutionFromInfo(t *testing.T) {
	done := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	info := &asynq.TaskInfo{
		ID:          "run-1",
		Queue:       "cnc",
		State:       asynq.TaskStateCompleted,
		CompletedAt: done,
		Result:      []byte(`{"job_id":3,"percentage":66,"progress":2,"total_lines":3,"status":{"state":"Run"},"parserstate":{}}`),
	}

	ex := executionFromInfo(info)
	assert.Equal(t, "run-1", ex.ID)
	assert.Equal(t, "completed", ex.State)
	require.NotNil(t, ex.CompletedAt)
	assert.Equal(t, done, *ex.CompletedAt)
	require.NotNil(t, ex.Progress)
	assert.Equal(t, int64(3), ex.Progress.JobID)
	assert.Equal(t, 66, ex.Progress.Percentage)
	assert.Equal(t, 2, ex.Progress.Progress)
	assert.Equal(t, 3, ex.Progress.TotalLines)
	assert.Equal(t, "Run", ex.Progress.Status.State)
}

func TestExecutionFromInfo_PendingWithoutResult(t *testing.T) {
	ex := executionFromInfo(&asynq.TaskInfo{ID: "run-2", Queue: "cnc", State: asynq.TaskStatePending})
	assert.Equal(t, "pending", ex.State)
	assert.Nil(t, ex.CompletedAt)
	assert.Nil(t, ex.Progress)

	ex = executionFromInfo(&asynq.TaskInfo{ID: "run-3", State: asynq.TaskStateArchived, LastErr: "boom", Result: []byte("{")})
	assert.Equal(t, "archived", ex.State)
	assert.Equal(t, "boom", ex.LastError)
	assert.Nil(t, ex.Progress)
}
