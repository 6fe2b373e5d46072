package models

import (
	"fmt"
	"time"
)

const (
	JobDefaultPriority = 0
	JobEmptyNote       = ""
)

// File is a G-code file uploaded by a user.
type File struct {
	ID        int64     `db:"id" json:"id" yaml:"id"`
	UserID    int64     `db:"user_id" json:"user_id" yaml:"user_id"`
	FileName  string    `db:"file_name" json:"file_name" yaml:"file_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at" yaml:"created_at"`
}

// Job is a queued request to run a File on the machine.
type Job struct {
	ID                 int64      `db:"id" json:"id" yaml:"id"`
	UserID             int64      `db:"user_id" json:"user_id" yaml:"user_id"`
	File               File       `db:"-" json:"file" yaml:"file"`
	ToolID             *int64     `db:"tool_id" json:"tool_id,omitempty" yaml:"tool_id,omitempty"`
	MaterialID         *int64     `db:"material_id" json:"material_id,omitempty" yaml:"material_id,omitempty"`
	Name               string     `db:"name" json:"name" yaml:"name"`
	Status             JobStatus  `db:"status" json:"status" yaml:"status"`
	Priority           int        `db:"priority" json:"priority" yaml:"priority"`
	Note               string     `db:"note" json:"note" yaml:"note"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty" yaml:"cancellation_reason,omitempty"`
	AdminID            *int64     `db:"admin_id" json:"admin_id,omitempty" yaml:"admin_id,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at" yaml:"created_at"`
	StatusUpdatedAt    *time.Time `db:"status_updated_at" json:"status_updated_at,omitempty" yaml:"status_updated_at,omitempty"`
}

// StatusChange carries the optional data recorded alongside a status update.
type StatusChange struct {
	AdminID            *int64
	CancellationReason string
}

// ApplyStatus moves the job to next, enforcing the transition table and the
// bookkeeping attached to each target status.
func (j *Job) ApplyStatus(next JobStatus, change StatusChange, now time.Time) error {
	if !next.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}

	reviewed := j.Status == JobStatusPendingApproval &&
		(next == JobStatusOnHold || next == JobStatusCancelled)

	j.Status = next
	j.StatusUpdatedAt = &now

	if change.AdminID != nil && (reviewed || next.IsExecution()) {
		admin := *change.AdminID
		j.AdminID = &admin
	}

	if next == JobStatusPendingApproval {
		j.AdminID = nil
		j.StatusUpdatedAt = nil
	}

	if next == JobStatusCancelled {
		reason := change.CancellationReason
		j.CancellationReason = &reason
	}
	return nil
}

// AdminRef is a small helper for building a StatusChange from a plain id.
func AdminRef(id int64) *int64 {
	return &id
}
