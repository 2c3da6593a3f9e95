package dto

import (
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
)

type BackupRequest struct {
	PointUser string   `json:"point_user"`
	Tags      []string `json:"tags"`
	DryRun    bool     `json:"dry_run"`
}

type RestoreRequest struct {
	PointUser    string `json:"point_user"`
	SnapshotPath string `json:"snapshot_path"`
	Target       string `json:"target"`
	DryRun       bool   `json:"dry_run"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID           string     `json:"id"`
	SnapshotID   *string    `json:"snapshot_id"`
	PointOwnedBy string     `json:"point_owned_by"`
	PointName    string     `json:"point_name"`
	JobType      string     `json:"job_type"`
	JobStatus    string     `json:"job_status"`
	UsedBytes    int64      `json:"used_bytes"`
	TotalBytes   *int64     `json:"total_bytes"`
	Errors       []string   `json:"errors"`
	CreateDate   time.Time  `json:"create_date"`
	EndDate      *time.Time `json:"end_date"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	errs := []string(job.Errors)
	if errs == nil {
		errs = []string{}
	}
	return JobDTO{
		ID:           job.ID.String(),
		SnapshotID:   job.SnapshotID,
		PointOwnedBy: job.PointOwnedBy,
		PointName:    job.PointName,
		JobType:      job.JobType.String(),
		JobStatus:    job.JobStatus.String(),
		UsedBytes:    job.UsedBytes,
		TotalBytes:   job.TotalBytes,
		Errors:       errs,
		CreateDate:   job.CreateDate,
		EndDate:      job.EndDate,
	}
}
