package models

import "fmt"

/*
Job status values for the execution queue.
The set is closed: every status change goes through ApplyStatus, which consults
validTransitions below instead of re-deriving the rules at each call site.
*/

// JobStatus is the persisted state of a Job.
type JobStatus string

const (
	JobStatusPendingApproval JobStatus = "pending_approval"
	JobStatusOnHold          JobStatus = "on_hold"
	JobStatusInProgress      JobStatus = "in_progress"
	JobStatusFinished        JobStatus = "finished"
	JobStatusCancelled       JobStatus = "cancelled"
	JobStatusFailed          JobStatus = "failed"
)

// AllJobStatuses lists every valid status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPendingApproval,
	JobStatusOnHold,
	JobStatusInProgress,
	JobStatusFinished,
	JobStatusCancelled,
	JobStatusFailed,
}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPendingApproval: {JobStatusOnHold, JobStatusCancelled},
	JobStatusOnHold:          {JobStatusInProgress, JobStatusCancelled, JobStatusPendingApproval},
	JobStatusInProgress:      {JobStatusFinished, JobStatusFailed, JobStatusCancelled},
	JobStatusFinished:        {JobStatusPendingApproval},
	JobStatusFailed:          {JobStatusPendingApproval},
	JobStatusCancelled:       {JobStatusPendingApproval},
}

// ParseJobStatus converts a raw string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsExecution reports whether the status is driven by the execution worker.
func (s JobStatus) IsExecution() bool {
	return s == JobStatusInProgress || s == JobStatusFinished || s == JobStatusFailed
}

func (s JobStatus) String() string {
	return string(s)
}
