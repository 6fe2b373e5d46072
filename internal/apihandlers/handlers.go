package apihandlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"cncworker/internal/app"
	"cncworker/internal/models"
	"cncworker/internal/store"
	"cncworker/internal/tasks"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// FileChecker validates an uploaded file reference.
type FileChecker interface {
	Resolve(basePath string, userID int64, fileName string) (string, error)
}

type APIHandler struct {
	Jobs       store.JobStore
	Executions store.JobClient
	Files      FileChecker
	BasePath   string
	// TaskTimeout bounds one execution run in the dispatcher.
	TaskTimeout time.Duration
	Gatherer    prometheus.Gatherer
}

func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{
		Jobs:        a.JobStore,
		Executions:  a.JobClient,
		Files:       a.Files,
		BasePath:    a.Config.Files.BasePath,
		TaskTimeout: a.Config.Worker.TaskTimeout,
		Gatherer:    a.Registry,
	}
}

// RegisterRoutes mounts the API on router.
func RegisterRoutes(router *gin.Engine, h *APIHandler) {
	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("", h.ListJobsHandler)
			jobs.POST("", h.CreateJobHandler)
			jobs.GET("/:id", h.GetJobHandler)
			jobs.PUT("/:id/status", h.UpdateJobStatusHandler)
		}
		executions := v1.Group("/executions")
		{
			executions.POST("", h.StartExecutionHandler)
			executions.GET("/:id", h.GetExecutionHandler)
		}
	}

	router.GET("/health", h.HealthHandler)
	if h.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}
}

// --- Jobs ---

// ListJobsHandler lists jobs by ascending priority, optionally filtered by
// user_id and status.
func (h *APIHandler) ListJobsHandler(c *gin.Context) {
	filter, err := parseJobFilter(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	jobs, err := h.Jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func parseJobFilter(c *gin.Context) (store.JobFilter, error) {
	filter := store.JobFilter{Limit: defaultListLimit}
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return filter, fmt.Errorf("user_id must be a positive integer")
		}
		filter.UserID = id
	}
	if v := c.Query("status"); v != "" {
		status, err := models.ParseJobStatus(v)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func (h *APIHandler) GetJobHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

type CreateJobRequest struct {
	UserID     int64  `json:"user_id"`
	FileName   string `json:"file_name"`
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	Note       string `json:"note"`
	ToolID     *int64 `json:"tool_id"`
	MaterialID *int64 `json:"material_id"`
}

// CreateJobHandler registers an uploaded file and queues a job for review.
func (h *APIHandler) CreateJobHandler(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID <= 0 || strings.TrimSpace(req.FileName) == "" {
		BadRequest(c, "missing required fields: user_id and file_name")
		return
	}
	if _, err := h.Files.Resolve(h.BasePath, req.UserID, req.FileName); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.FileName
	}

	ctx := c.Request.Context()
	file := &models.File{UserID: req.UserID, FileName: req.FileName}
	if err := h.Jobs.CreateFile(ctx, file); err != nil {
		RespondError(c, err)
		return
	}
	job := &models.Job{
		UserID:     req.UserID,
		File:       *file,
		ToolID:     req.ToolID,
		MaterialID: req.MaterialID,
		Name:       req.Name,
		Status:     models.JobStatusPendingApproval,
		Priority:   req.Priority,
		Note:       req.Note,
	}
	if err := h.Jobs.CreateJob(ctx, job); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": job})
}

type UpdateStatusRequest struct {
	Status             string `json:"status"`
	AdminID            *int64 `json:"admin_id"`
	CancellationReason string `json:"cancellation_reason"`
}

// UpdateJobStatusHandler approves, rejects, cancels or re-queues a job.
func (h *APIHandler) UpdateJobStatusHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	status, err := models.ParseJobStatus(req.Status)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	job, err := h.Jobs.SetStatus(c.Request.Context(), id, status, models.StatusChange{
		AdminID:            req.AdminID,
		CancellationReason: req.CancellationReason,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	log.WithFields(log.Fields{"job_id": id, "status": status}).Info("Job status changed via API")
	c.JSON(http.StatusOK, gin.H{"data": job})
}

// --- Executions ---

type StartExecutionRequest struct {
	AdminID    int64  `json:"admin_id"`
	SerialPort string `json:"serial_port"`
	Baudrate   int    `json:"baudrate"`
}

// StartExecutionHandler enqueues a run. A run that would be refused by the
// worker is refused here already.
func (h *APIHandler) StartExecutionHandler(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.AdminID <= 0 {
		BadRequest(c, "admin_id is required")
		return
	}

	ctx := c.Request.Context()
	busy, err := h.Jobs.HasJobInProgress(ctx)
	if err != nil {
		RespondError(c, err)
		return
	}
	if busy {
		RespondError(c, models.ErrConcurrentExecution)
		return
	}

	ex, err := h.Executions.EnqueueExecution(ctx, tasks.ExecuteJobsPayload{
		RunID:      uuid.NewString(),
		AdminID:    req.AdminID,
		SerialPort: req.SerialPort,
		Baudrate:   req.Baudrate,
	}, h.TaskTimeout)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": ex})
}

func (h *APIHandler) GetExecutionHandler(c *gin.Context) {
	ex, err := h.Executions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ex})
}

// --- Misc ---

func (h *APIHandler) HealthHandler(c *gin.Context) {
	if err := h.Jobs.Ping(c.Request.Context()); err != nil {
		Unavailable(c, "database unreachable: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "Invalid ID")
		return 0, false
	}
	return id, true
}
