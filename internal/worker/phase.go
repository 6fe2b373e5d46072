package worker

import "fmt"

// Phase is where a single job execution stands.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseConnected Phase = "connected"
	PhaseStreaming Phase = "streaming"
	PhaseCompleted Phase = "completed"
	PhaseAborted   Phase = "aborted"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseConnected, PhaseAborted},
	PhaseConnected: {PhaseStreaming, PhaseAborted},
	PhaseStreaming: {PhaseStreaming, PhaseCompleted, PhaseAborted},
}

func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// execution tracks the phase of one job run. Completed and Aborted are final.
type execution struct {
	jobID int64
	phase Phase
}

func newExecution(jobID int64) *execution {
	return &execution{jobID: jobID, phase: PhaseIdle}
}

func (e *execution) advance(next Phase) error {
	if !e.phase.CanTransitionTo(next) {
		return fmt.Errorf("job %d: illegal phase change %s -> %s", e.jobID, e.phase, next)
	}
	e.phase = next
	return nil
}
