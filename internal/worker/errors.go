package worker

import "fmt"

// FileAccessError means the job's G-code file could not be resolved, read or
// reopened. The job's status is left as it was.
type FileAccessError struct {
	JobID int64
	Path  string
	Err   error
}

func (e *FileAccessError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("job %d: file access: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %d: file access %s: %v", e.JobID, e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// FaultKind tells an alarm from a rejected line.
type FaultKind int

const (
	FaultAlarm FaultKind = iota + 1
	FaultLineError
)

func (k FaultKind) String() string {
	switch k {
	case FaultAlarm:
		return "alarm"
	case FaultLineError:
		return "line_error"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// DeviceFaultError reports that the controller raised an alarm or rejected a
// line while a job was running. For a rejected line, Line is the 1-based
// number of that line in the job's file. For an alarm it is the line being
// processed when the alarm was seen.
type DeviceFaultError struct {
	JobID  int64
	Kind   FaultKind
	Line   int
	Detail string
}

func (e *DeviceFaultError) Error() string {
	if e.Kind == FaultAlarm {
		return "An alarm was triggered"
	}
	return fmt.Sprintf("There was an error when executing line %d", e.Line)
}
