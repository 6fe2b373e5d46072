package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobStatus(t *testing.T) {
	for _, s := range AllJobStatuses {
		parsed, err := ParseJobStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseJobStatus("rejected")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPendingApproval, JobStatusOnHold, true},
		{JobStatusPendingApproval, JobStatusCancelled, true},
		{JobStatusPendingApproval, JobStatusInProgress, false},
		{JobStatusOnHold, JobStatusInProgress, true},
		{JobStatusOnHold, JobStatusFinished, false},
		{JobStatusInProgress, JobStatusFinished, true},
		{JobStatusInProgress, JobStatusFailed, true},
		{JobStatusInProgress, JobStatusPendingApproval, false},
		{JobStatusFinished, JobStatusPendingApproval, true},
		{JobStatusFinished, JobStatusInProgress, false},
		{JobStatusCancelled, JobStatusOnHold, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestJob_ApplyStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("approval records admin", func(t *testing.T) {
		job := &Job{Status: JobStatusPendingApproval}
		require.NoError(t, job.ApplyStatus(JobStatusOnHold, StatusChange{AdminID: AdminRef(7)}, now))
		assert.Equal(t, JobStatusOnHold, job.Status)
		require.NotNil(t, job.AdminID)
		assert.Equal(t, int64(7), *job.AdminID)
		assert.Equal(t, now, *job.StatusUpdatedAt)
	})

	t.Run("rejection records admin and reason", func(t *testing.T) {
		job := &Job{Status: JobStatusPendingApproval}
		change := StatusChange{AdminID: AdminRef(3), CancellationReason: "wrong material"}
		require.NoError(t, job.ApplyStatus(JobStatusCancelled, change, now))
		require.NotNil(t, job.CancellationReason)
		assert.Equal(t, "wrong material", *job.CancellationReason)
		assert.Equal(t, int64(3), *job.AdminID)
	})

	t.Run("back to pending clears admin and timestamp", func(t *testing.T) {
		ts := now.Add(-time.Hour)
		job := &Job{Status: JobStatusFinished, AdminID: AdminRef(1), StatusUpdatedAt: &ts}
		require.NoError(t, job.ApplyStatus(JobStatusPendingApproval, StatusChange{AdminID: AdminRef(2)}, now))
		assert.Nil(t, job.AdminID)
		assert.Nil(t, job.StatusUpdatedAt)
	})

	t.Run("execution records acting admin", func(t *testing.T) {
		job := &Job{Status: JobStatusOnHold}
		require.NoError(t, job.ApplyStatus(JobStatusInProgress, StatusChange{AdminID: AdminRef(9)}, now))
		assert.Equal(t, int64(9), *job.AdminID)
	})

	t.Run("cancel from on hold does not touch admin", func(t *testing.T) {
		job := &Job{Status: JobStatusOnHold, AdminID: AdminRef(4)}
		require.NoError(t, job.ApplyStatus(JobStatusCancelled, StatusChange{AdminID: AdminRef(5), CancellationReason: "no stock"}, now))
		assert.Equal(t, int64(4), *job.AdminID)
		assert.Equal(t, "no stock", *job.CancellationReason)
	})

	t.Run("unknown status", func(t *testing.T) {
		job := &Job{Status: JobStatusOnHold}
		err := job.ApplyStatus(JobStatus("rejected"), StatusChange{}, now)
		assert.ErrorIs(t, err, ErrInvalidStatus)
		assert.False(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, JobStatusOnHold, job.Status)
	})

	t.Run("disallowed transition", func(t *testing.T) {
		job := &Job{Status: JobStatusPendingApproval}
		err := job.ApplyStatus(JobStatusFinished, StatusChange{}, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.ErrorIs(t, err, ErrInvalidStatus)
		assert.Equal(t, JobStatusPendingApproval, job.Status)
	})
}
