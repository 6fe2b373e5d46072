package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"cncworker/internal/progress"
	"cncworker/internal/tasks"
)

// ExecuteDeps holds what the execution handler needs from the application.
type ExecuteDeps struct {
	Repo  JobRepository
	Files FileResolver
	// NewController returns a fresh controller session for each run.
	NewController func() Controller
	// Sink receives progress next to the task result; may be nil.
	Sink progress.Sink
	// Defaults fills payload fields left empty by the caller.
	Defaults ExecuteParams
	Options  Options
}

// RegisterHandlers wires the execution task into mux.
func RegisterHandlers(mux *asynq.ServeMux, deps ExecuteDeps) {
	log.WithField("task_type", tasks.TypeExecuteJobs).Info("Registering execution handler")
	mux.HandleFunc(tasks.TypeExecuteJobs, HandleExecuteJobs(deps))
}

// HandleExecuteJobs runs one execution per task. Failures are never retried
// automatically: the machine state after a fault needs a human.
func HandleExecuteJobs(deps ExecuteDeps) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, err := tasks.ParseExecuteJobsPayload(t)
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		params := mergeParams(deps.Defaults, payload)

		sinks := progress.Multi{&progress.LogSink{Logger: log.WithField("run_id", params.RunID)}, deps.Sink}
		if rw := t.ResultWriter(); rw != nil {
			if params.RunID == "" {
				params.RunID = rw.TaskID()
			}
			sinks = append(sinks, progress.ResultWriterSink{W: rw})
		}
		async := progress.NewAsync(sinks)
		defer async.Close()

		exec := NewExecutor(deps.Repo, deps.NewController(), deps.Files, async, deps.Options)
		if err := exec.Run(ctx, params); err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

func mergeParams(defaults ExecuteParams, p tasks.ExecuteJobsPayload) ExecuteParams {
	params := defaults
	params.RunID = p.RunID
	params.AdminID = p.AdminID
	if p.BasePath != "" {
		params.BasePath = p.BasePath
	}
	if p.SerialPort != "" {
		params.SerialPort = p.SerialPort
	}
	if p.Baudrate > 0 {
		params.Baudrate = p.Baudrate
	}
	return params
}
