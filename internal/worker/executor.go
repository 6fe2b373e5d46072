package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"cncworker/internal/grbl"
	"cncworker/internal/metrics"
	"cncworker/internal/models"
	"cncworker/internal/progress"
)

const (
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultMaxPollInterval = time.Second

	maxLineBytes = 1 << 20
)

var (
	errBufferFull = errors.New("controller buffer full")
	errNotDrained = errors.New("controller has unacknowledged lines")
)

// Controller is the part of grbl.Controller the executor drives.
type Controller interface {
	Connect(ctx context.Context, port string, baud int) error
	Disconnect() error
	RestartCommandsCount()
	GetBufferFill() int
	GetCommandsCount() int
	Drained() bool
	Alarm() bool
	Failed() bool
	FailedLineNumber() int
	FaultDetail() string
	SendCommand(line string) error
	QueryStatusReport(ctx context.Context) (grbl.Status, error)
	QueryGcodeParserState(ctx context.Context) (grbl.ParserState, error)
}

var _ Controller = (*grbl.Controller)(nil)

// JobRepository is the subset of store.JobStore used during execution.
type JobRepository interface {
	HasJobInProgress(ctx context.Context) (bool, error)
	HasJobsOnHold(ctx context.Context) (bool, error)
	NextJobByPriorityDesc(ctx context.Context) (*models.Job, error)
	SetStatus(ctx context.Context, id int64, status models.JobStatus, change models.StatusChange) (*models.Job, error)
}

// FileResolver locates and reads a job's G-code file.
type FileResolver interface {
	Resolve(basePath string, userID int64, fileName string) (string, error)
	CountLines(path string) (int, error)
	Open(path string) (io.ReadCloser, error)
}

type Options struct {
	// PollInterval is the first delay between buffer polls while the
	// controller is full; it doubles up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MarkFailedOnAbort moves a job to failed when a device fault stops it.
	// Otherwise the job stays in_progress for the operator to inspect.
	MarkFailedOnAbort bool

	Metrics *metrics.Collector
	Logger  *log.Entry
}

// ExecuteParams are the inputs of one execution run.
type ExecuteParams struct {
	RunID      string
	AdminID    int64
	BasePath   string
	SerialPort string
	Baudrate   int
}

// Executor runs every approved job on the machine, one after another.
type Executor struct {
	repo  JobRepository
	ctrl  Controller
	files FileResolver
	sink  progress.Sink
	opts  Options
}

func NewExecutor(repo JobRepository, ctrl Controller, files FileResolver, sink progress.Sink, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = max(DefaultMaxPollInterval, opts.PollInterval)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "executor")
	}
	if sink == nil {
		sink = progress.Discard
	}
	return &Executor{repo: repo, ctrl: ctrl, files: files, sink: sink, opts: opts}
}

/*
Run executes jobs until none is left on hold.

A run is refused before touching the device if a job is already in progress.
Once connected, the controller is disconnected exactly once on every exit
path. The first error stops the run; remaining jobs stay on hold.
*/
func (e *Executor) Run(ctx context.Context, p ExecuteParams) (err error) {
	logger := e.opts.Logger.WithFields(log.Fields{"run_id": p.RunID, "port": p.SerialPort})
	defer func() { e.opts.Metrics.RunDone(runOutcome(err)) }()

	busy, err := e.repo.HasJobInProgress(ctx)
	if err != nil {
		return fmt.Errorf("check for running job: %w", err)
	}
	if busy {
		logger.Warn("Refusing run: a job is already in progress")
		return models.ErrConcurrentExecution
	}

	if err := e.ctrl.Connect(ctx, p.SerialPort, p.Baudrate); err != nil {
		return err
	}
	logger.Info("Controller connected")
	defer func() {
		if derr := e.ctrl.Disconnect(); derr != nil {
			logger.WithError(derr).Warn("Disconnect failed")
		}
	}()

	for {
		more, err := e.repo.HasJobsOnHold(ctx)
		if err != nil {
			return fmt.Errorf("check for jobs on hold: %w", err)
		}
		if !more {
			logger.Info("No jobs on hold, run complete")
			return nil
		}

		job, err := e.repo.NextJobByPriorityDesc(ctx)
		if errors.Is(err, models.ErrNotFound) {
			logger.Info("Job queue drained concurrently, run complete")
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch next job: %w", err)
		}

		if err := e.runJob(ctx, logger.WithField("job_id", job.ID), p, job); err != nil {
			return err
		}
	}
}

func (e *Executor) runJob(ctx context.Context, logger *log.Entry, p ExecuteParams, job *models.Job) error {
	exec := newExecution(job.ID)

	path, err := e.files.Resolve(p.BasePath, job.UserID, job.File.FileName)
	if err != nil {
		return e.fileError(exec, &FileAccessError{JobID: job.ID, Err: err})
	}
	total, err := e.files.CountLines(path)
	if err != nil {
		return e.fileError(exec, &FileAccessError{JobID: job.ID, Path: path, Err: err})
	}
	f, err := e.files.Open(path)
	if err != nil {
		return e.fileError(exec, &FileAccessError{JobID: job.ID, Path: path, Err: err})
	}
	defer f.Close()

	if err := exec.advance(PhaseConnected); err != nil {
		return err
	}
	// A controller already in alarm must not start a job.
	if fault := e.fault(job.ID, 0); fault != nil {
		logger.WithField("detail", fault.Detail).Error("Controller faulted before streaming")
		_ = exec.advance(PhaseAborted)
		e.opts.Metrics.JobDone(metrics.ResultDeviceFault, 0)
		return fault
	}

	admin := models.StatusChange{AdminID: models.AdminRef(p.AdminID)}
	if _, err := e.repo.SetStatus(ctx, job.ID, models.JobStatusInProgress, admin); err != nil {
		_ = exec.advance(PhaseAborted)
		return fmt.Errorf("mark job %d in progress: %w", job.ID, err)
	}
	e.ctrl.RestartCommandsCount()
	if err := exec.advance(PhaseStreaming); err != nil {
		return err
	}
	logger.WithFields(log.Fields{"file": path, "total_lines": total}).Info("Streaming job")
	started := time.Now()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	sent := 0
	for scanner.Scan() {
		lineNo := sent + 1
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, logger, exec, job, err, started)
		}
		if err := e.waitForHeadroom(ctx, job.ID, lineNo); err != nil {
			return e.abort(ctx, logger, exec, job, err, started)
		}
		if err := e.ctrl.SendCommand(scanner.Text()); err != nil {
			return e.abort(ctx, logger, exec, job, err, started)
		}
		sent++
		e.opts.Metrics.LineStreamed()
		if err := exec.advance(PhaseStreaming); err != nil {
			return err
		}
		e.publish(ctx, logger, job.ID, sent, total)
	}
	if err := scanner.Err(); err != nil {
		return e.abort(ctx, logger, exec, job, &FileAccessError{JobID: job.ID, Path: path, Err: err}, started)
	}

	// The last line went out; make sure the controller took it without complaint.
	if err := e.waitForHeadroom(ctx, job.ID, total); err != nil {
		return e.abort(ctx, logger, exec, job, err, started)
	}
	// A job is done only once the device has answered every line of it.
	if err := e.waitForDrain(ctx, job.ID, total); err != nil {
		return e.abort(ctx, logger, exec, job, err, started)
	}

	if _, err := e.repo.SetStatus(ctx, job.ID, models.JobStatusFinished, admin); err != nil {
		_ = exec.advance(PhaseAborted)
		return fmt.Errorf("mark job %d finished: %w", job.ID, err)
	}
	if err := exec.advance(PhaseCompleted); err != nil {
		return err
	}
	e.opts.Metrics.JobDone(metrics.ResultFinished, time.Since(started))
	logger.WithField("lines", sent).Info("Job finished")
	return nil
}

func (e *Executor) pollBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.PollInterval
	b.MaxInterval = e.opts.MaxPollInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// waitForHeadroom polls the buffer fill until the next line fits, checking
// for device faults before every poll.
func (e *Executor) waitForHeadroom(ctx context.Context, jobID int64, line int) error {
	start := time.Now()
	err := backoff.Retry(func() error {
		if fault := e.fault(jobID, line); fault != nil {
			return backoff.Permanent(fault)
		}
		fill := e.ctrl.GetBufferFill()
		e.opts.Metrics.ObserveBufferFill(fill)
		if fill >= grbl.BufferFull {
			return errBufferFull
		}
		return nil
	}, e.pollBackOff(ctx))
	e.opts.Metrics.ObserveHeadroomWait(time.Since(start))
	return err
}

// waitForDrain polls until every streamed line has been acknowledged. An
// error reported for any of them fails the job.
func (e *Executor) waitForDrain(ctx context.Context, jobID int64, total int) error {
	return backoff.Retry(func() error {
		if fault := e.fault(jobID, total); fault != nil {
			return backoff.Permanent(fault)
		}
		if !e.ctrl.Drained() {
			return errNotDrained
		}
		return nil
	}, e.pollBackOff(ctx))
}

func (e *Executor) fault(jobID int64, line int) *DeviceFaultError {
	switch {
	case e.ctrl.Alarm():
		return &DeviceFaultError{JobID: jobID, Kind: FaultAlarm, Line: line, Detail: e.ctrl.FaultDetail()}
	case e.ctrl.Failed():
		if n := e.ctrl.FailedLineNumber(); n > 0 {
			line = n
		}
		return &DeviceFaultError{JobID: jobID, Kind: FaultLineError, Line: line, Detail: e.ctrl.FaultDetail()}
	}
	return nil
}

// publish sends a progress snapshot. Telemetry failures never stop a job.
func (e *Executor) publish(ctx context.Context, logger *log.Entry, jobID int64, sent, total int) {
	update := progress.Progress{
		JobID:      jobID,
		Percentage: progress.Percentage(sent, total),
		Progress:   sent,
		TotalLines: total,
		UpdatedAt:  time.Now().UTC(),
	}
	status, err := e.ctrl.QueryStatusReport(ctx)
	if err != nil {
		logger.WithError(err).Debug("Status report unavailable")
	}
	update.Status = status
	parserState, err := e.ctrl.QueryGcodeParserState(ctx)
	if err != nil {
		logger.WithError(err).Debug("Parser state unavailable")
	}
	update.ParserState = parserState

	if err := e.sink.Publish(ctx, update); err != nil {
		logger.WithError(err).Warn("Failed to publish progress")
	}
}

func (e *Executor) fileError(exec *execution, err *FileAccessError) error {
	_ = exec.advance(PhaseAborted)
	e.opts.Metrics.JobDone(metrics.ResultFileError, 0)
	return err
}

// abort stops a job that is already in_progress. The job keeps its status
// unless MarkFailedOnAbort is set and the device faulted.
func (e *Executor) abort(ctx context.Context, logger *log.Entry, exec *execution, job *models.Job, cause error, started time.Time) error {
	_ = exec.advance(PhaseAborted)

	var fault *DeviceFaultError
	switch {
	case errors.As(cause, &fault):
		logger.WithFields(log.Fields{
			"kind":     fault.Kind,
			"line":     fault.Line,
			"detail":   fault.Detail,
			"commands": e.ctrl.GetCommandsCount(),
		}).Error(fault.Error())
		e.opts.Metrics.JobDone(metrics.ResultDeviceFault, time.Since(started))
		if e.opts.MarkFailedOnAbort {
			if _, err := e.repo.SetStatus(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed, models.StatusChange{}); err != nil {
				logger.WithError(err).Error("Failed to mark job as failed")
			}
		}
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		logger.WithError(cause).Warn("Job interrupted")
		e.opts.Metrics.JobDone(metrics.ResultCancelled, time.Since(started))
	default:
		logger.WithError(cause).Error("Job aborted")
		e.opts.Metrics.JobDone(metrics.ResultError, time.Since(started))
	}
	return cause
}

func runOutcome(err error) string {
	var fault *DeviceFaultError
	var fileErr *FileAccessError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrConcurrentExecution):
		return "refused"
	case errors.As(err, &fault):
		return metrics.ResultDeviceFault
	case errors.As(err, &fileErr):
		return metrics.ResultFileError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCancelled
	default:
		return metrics.ResultError
	}
}
