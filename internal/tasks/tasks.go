package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Defines constants for task types used in Asynq.

const (
	// TypeExecuteJobs runs every approved job on the machine, highest
	// priority first.
	TypeExecuteJobs = "cnc:execute_jobs"

	// QueueCNC is the queue execution tasks are enqueued on. The worker
	// should serve it with concurrency 1.
	QueueCNC = "cnc"
)

// ExecuteJobsPayload is the payload of TypeExecuteJobs. Empty fields fall back
// to the worker's configuration.
type ExecuteJobsPayload struct {
	RunID      string `json:"run_id"`
	AdminID    int64  `json:"admin_id"`
	BasePath   string `json:"base_path,omitempty"`
	SerialPort string `json:"serial_port,omitempty"`
	Baudrate   int    `json:"baudrate,omitempty"`
}

func NewExecuteJobsTask(p ExecuteJobsPayload, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", TypeExecuteJobs, err)
	}
	return asynq.NewTask(TypeExecuteJobs, data, opts...), nil
}

func ParseExecuteJobsPayload(t *asynq.Task) (ExecuteJobsPayload, error) {
	var p ExecuteJobsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", t.Type(), err)
	}
	return p, nil
}
