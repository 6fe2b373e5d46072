package apihandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cncworker/internal/fileingest"
	"cncworker/internal/models"
	"cncworker/internal/store"
	"cncworker/internal/store/local"
	"cncworker/internal/tasks"
)

type mockJobClient struct {
	mock.Mock
}

func (m *mockJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockJobClient) EnqueueExecution(ctx context.Context, payload tasks.ExecuteJobsPayload, timeout time.Duration) (*store.Execution, error) {
	args := m.Called(ctx, payload, timeout)
	ex, _ := args.Get(0).(*store.Execution)
	return ex, args.Error(1)
}

func (m *mockJobClient) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	args := m.Called(ctx, id)
	ex, _ := args.Get(0).(*store.Execution)
	return ex, args.Error(1)
}

func (m *mockJobClient) Close() error { return nil }

type testServer struct {
	router *gin.Engine
	jobs   *local.Store
	client *mockJobClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jobs, err := local.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(jobs.Close)

	client := &mockJobClient{}
	h := &APIHandler{
		Jobs:        jobs,
		Executions:  client,
		Files:       fileingest.NewResolver(nil),
		BasePath:    "/srv/gcode",
		TaskTimeout: time.Hour,
		Gatherer:    prometheus.NewRegistry(),
	}
	router := gin.New()
	RegisterRoutes(router, h)
	return &testServer{router: router, jobs: jobs, client: client}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seed(t *testing.T, userID int64, name string, priority int, status models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()
	f := &models.File{UserID: userID, FileName: name + ".nc"}
	require.NoError(t, s.jobs.CreateFile(ctx, f))
	j := &models.Job{UserID: userID, File: *f, Name: name, Priority: priority, Status: status}
	require.NoError(t, s.jobs.CreateJob(ctx, j))
	return j
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, 1, "high", 9, models.JobStatusOnHold)
	s.seed(t, 1, "low", 1, models.JobStatusOnHold)
	s.seed(t, 2, "other", 5, models.JobStatusPendingApproval)

	w := s.do(t, http.MethodGet, "/api/v1/jobs?status=on_hold", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []models.Job
	decodeData(t, w, &jobs)
	require.Len(t, jobs, 2)
	assert.Equal(t, "low", jobs[0].Name)
	assert.Equal(t, "high", jobs[1].Name)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?user_id=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "other", jobs[0].Name)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/api/v1/jobs?user_id=2&status=finished", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t)
	j := s.seed(t, 1, "part", 0, models.JobStatusPendingApproval)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/"+itoa(j.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Job
	decodeData(t, w, &got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "part.nc", got.File.FileName)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJob(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{UserID: 3, FileName: "bracket.nc", Priority: 2})
	require.Equal(t, http.StatusCreated, w.Code)
	var job models.Job
	decodeData(t, w, &job)
	assert.NotZero(t, job.ID)
	assert.Equal(t, models.JobStatusPendingApproval, job.Status)
	assert.Equal(t, "bracket.nc", job.Name)

	w = s.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{UserID: 3, FileName: "../../etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{FileName: "x.nc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateJobStatus(t *testing.T) {
	s := newTestServer(t)
	j := s.seed(t, 1, "part", 0, models.JobStatusPendingApproval)
	path := "/api/v1/jobs/" + itoa(j.ID) + "/status"

	admin := int64(5)
	w := s.do(t, http.MethodPut, path, UpdateStatusRequest{Status: "on_hold", AdminID: &admin})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Job
	decodeData(t, w, &got)
	assert.Equal(t, models.JobStatusOnHold, got.Status)
	require.NotNil(t, got.AdminID)
	assert.Equal(t, admin, *got.AdminID)

	// on_hold -> finished skips execution.
	w = s.do(t, http.MethodPut, path, UpdateStatusRequest{Status: "finished"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, path, UpdateStatusRequest{Status: "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/jobs/999/status", UpdateStatusRequest{Status: "on_hold"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartExecution(t *testing.T) {
	s := newTestServer(t)
	s.client.On("EnqueueExecution", mock.Anything, mock.MatchedBy(func(p tasks.ExecuteJobsPayload) bool {
		return p.AdminID == 7 && p.RunID != ""
	}), time.Hour).Return(&store.Execution{ID: "run-1", Queue: "cnc", State: "pending"}, nil).Once()

	w := s.do(t, http.MethodPost, "/api/v1/executions", StartExecutionRequest{AdminID: 7})
	require.Equal(t, http.StatusAccepted, w.Code)
	var ex store.Execution
	decodeData(t, w, &ex)
	assert.Equal(t, "run-1", ex.ID)
	s.client.AssertExpectations(t)

	w = s.do(t, http.MethodPost, "/api/v1/executions", StartExecutionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartExecution_RefusedWhileRunning(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, 1, "running", 0, models.JobStatusInProgress)

	w := s.do(t, http.MethodPost, "/api/v1/executions", StartExecutionRequest{AdminID: 7})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "There is a task currently in progress")
	s.client.AssertNotCalled(t, "EnqueueExecution", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetExecution(t *testing.T) {
	s := newTestServer(t)
	s.client.On("GetExecution", mock.Anything, "run-1").Return(&store.Execution{ID: "run-1", State: "active"}, nil).Once()
	s.client.On("GetExecution", mock.Anything, "nope").Return(nil, store.ErrNotFound).Once()

	w := s.do(t, http.MethodGet, "/api/v1/executions/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"active"`)

	w = s.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
