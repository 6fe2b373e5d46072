package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cncworker/internal/grbl"
	"cncworker/internal/models"
	"cncworker/internal/progress"
)

// --- Repository ---

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) HasJobInProgress(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) HasJobsOnHold(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) NextJobByPriorityDesc(ctx context.Context) (*models.Job, error) {
	args := m.Called(ctx)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockRepo) SetStatus(ctx context.Context, id int64, status models.JobStatus, change models.StatusChange) (*models.Job, error) {
	args := m.Called(ctx, id, status, change)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

// queue scripts HasJobsOnHold / NextJobByPriorityDesc for the given jobs in order.
func (m *mockRepo) queue(jobs ...*models.Job) {
	for _, j := range jobs {
		m.On("HasJobsOnHold", mock.Anything).Return(true, nil).Once()
		m.On("NextJobByPriorityDesc", mock.Anything).Return(j, nil).Once()
	}
	m.On("HasJobsOnHold", mock.Anything).Return(false, nil).Once()
}

func (m *mockRepo) expectStatus(jobID int64, status models.JobStatus) *mock.Call {
	return m.On("SetStatus", mock.Anything, jobID, status, mock.Anything).
		Return(&models.Job{ID: jobID, Status: status}, nil)
}

func adminIs(id int64) interface{} {
	return mock.MatchedBy(func(c models.StatusChange) bool {
		return c.AdminID != nil && *c.AdminID == id
	})
}

// --- Controller ---

type fakeController struct {
	connectErr error
	sendErr    error

	// fills is consumed one value per poll; afterwards fallback is reported.
	fills    []int
	fallback int

	alarm           bool
	alarmAfterPolls int
	failAfterSends  int

	// unacked is consumed one value per Drained call; afterwards all lines
	// count as acknowledged.
	unacked []int
	// rejectWhileDraining makes the device reject that line on the first
	// Drained call.
	rejectWhileDraining int
	lateReject          int

	connects    int
	disconnects int
	restarts    int
	polls       int
	drains      int
	sent        []string
}

func (c *fakeController) Connect(context.Context, string, int) error {
	c.connects++
	return c.connectErr
}

func (c *fakeController) Disconnect() error {
	c.disconnects++
	return nil
}

func (c *fakeController) RestartCommandsCount() { c.restarts++ }

func (c *fakeController) GetBufferFill() int {
	c.polls++
	if len(c.fills) > 0 {
		v := c.fills[0]
		c.fills = c.fills[1:]
		return v
	}
	return c.fallback
}

func (c *fakeController) GetCommandsCount() int { return len(c.sent) }

func (c *fakeController) Drained() bool {
	c.drains++
	if c.rejectWhileDraining > 0 && c.lateReject == 0 {
		c.lateReject = c.rejectWhileDraining
		return false
	}
	if len(c.unacked) > 0 {
		v := c.unacked[0]
		c.unacked = c.unacked[1:]
		return v == 0
	}
	return true
}

func (c *fakeController) Alarm() bool {
	return c.alarm || (c.alarmAfterPolls > 0 && c.polls >= c.alarmAfterPolls)
}

func (c *fakeController) Failed() bool {
	return c.lateReject > 0 || (c.failAfterSends > 0 && len(c.sent) >= c.failAfterSends)
}

// FailedLineNumber is the last line sent when the rejection was noticed.
func (c *fakeController) FailedLineNumber() int {
	switch {
	case c.lateReject > 0:
		return c.lateReject
	case c.Failed():
		return c.failAfterSends
	}
	return 0
}

func (c *fakeController) FaultDetail() string {
	switch {
	case c.Alarm():
		return "ALARM:1 " + grbl.AlarmDescription(1)
	case c.Failed():
		return "error:20 " + grbl.ErrorDescription(20)
	}
	return ""
}

func (c *fakeController) SendCommand(line string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, line)
	return nil
}

func (c *fakeController) QueryStatusReport(context.Context) (grbl.Status, error) {
	return grbl.Status{State: grbl.MachineRun, RXBytesFree: 128}, nil
}

func (c *fakeController) QueryGcodeParserState(context.Context) (grbl.ParserState, error) {
	return grbl.ParserState{Modes: []string{"G1", "G90"}}, nil
}

// --- Files ---

// flakyOpener fails the Nth open; zero never fails.
type flakyOpener struct {
	failOn int
	opens  int
}

func (o *flakyOpener) Open(path string) (io.ReadCloser, error) {
	o.opens++
	if o.failOn > 0 && o.opens == o.failOn {
		return nil, errors.New("device or resource busy")
	}
	return os.Open(path)
}

// writeJobFile stores content under <base>/<user>/<name>.
func writeJobFile(t *testing.T, base string, userID int64, name, content string) {
	t.Helper()
	dir := filepath.Join(base, strconv.FormatInt(userID, 10))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// --- Progress ---

type progressRecorder struct {
	mu      sync.Mutex
	updates []progress.Progress
}

func (r *progressRecorder) Publish(_ context.Context, p progress.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
	return nil
}

func (r *progressRecorder) all() []progress.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Progress(nil), r.updates...)
}
