package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/neptis/internal/api/dto"
	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobHandler handles backup, restore and job status requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

func pointUser(requested string, caller *domain.User) string {
	if requested != "" {
		return requested
	}
	return caller.UserName
}

// Backup handles POST /api/v1/volumes/:name/backup
// Starts a backup job and returns it while it runs
func (h *JobHandler) Backup(c *gin.Context) {
	var req dto.BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return
	}

	caller := Caller(c)
	job, err := h.jobs.LaunchBackup(c.Request.Context(), caller, jobs.BackupRequest{
		Owner:  pointUser(req.PointUser, caller),
		Name:   c.Param("name"),
		Tags:   req.Tags,
		DryRun: req.DryRun,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// Restore handles POST /api/v1/volumes/:name/restore
func (h *JobHandler) Restore(c *gin.Context) {
	var req dto.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return
	}

	caller := Caller(c)
	job, err := h.jobs.LaunchRestore(c.Request.Context(), caller, jobs.RestoreRequest{
		Owner:    pointUser(req.PointUser, caller),
		Name:     c.Param("name"),
		Snapshot: req.SnapshotPath,
		Target:   req.Target,
		DryRun:   req.DryRun,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		h.logger.Debug("Invalid job_id format", slog.String("job_id", c.Param("job_id")))
		badRequest(c, "job_id must be a valid UUID")
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), Caller(c), jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/volumes/:name/jobs
// Lists a volume's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Debug("Invalid query parameters", slog.Any("error", err))
		badRequest(c, "Invalid query parameters")
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Debug("Invalid cursor", slog.Any("error", err))
		badRequest(c, "Invalid cursor")
		return
	}

	caller := Caller(c)
	page, next, err := h.jobs.ListJobs(c.Request.Context(), caller, domain.JobFilter{
		Owner:    pointUser(req.Owner, caller),
		Name:     c.Param("name"),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page))}
	for i := range page {
		resp.Jobs[i] = dto.NewJobDTO(&page[i])
	}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}

	c.JSON(http.StatusOK, resp)
}
