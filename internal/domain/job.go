package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobType is stored as smallint
type JobType int16

const (
	JobTypeBackup  JobType = 0
	JobTypeRestore JobType = 1
)

func (t JobType) String() string {
	switch t {
	case JobTypeBackup:
		return "Backup"
	case JobTypeRestore:
		return "Restore"
	default:
		return fmt.Sprintf("JobType(%d)", int16(t))
	}
}

func (t JobType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// JobStatus is stored as smallint
type JobStatus int16

const (
	JobStatusNotStarted JobStatus = 0
	JobStatusRunning    JobStatus = 1
	JobStatusSuccessful JobStatus = 2
	JobStatusFailed     JobStatus = 3
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusNotStarted:
		return "NotStarted"
	case JobStatusRunning:
		return "Running"
	case JobStatusSuccessful:
		return "Successful"
	case JobStatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("JobStatus(%d)", int16(s))
	}
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccessful || s == JobStatusFailed
}

// Job is one persisted backup or restore invocation
type Job struct {
	ID           uuid.UUID      `db:"id"`
	SnapshotID   *string        `db:"snapshot_id"`
	PointOwnedBy string         `db:"point_owned_by"`
	PointName    string         `db:"point_name"`
	JobType      JobType        `db:"job_type"`
	JobStatus    JobStatus      `db:"job_status"`
	UsedBytes    int64          `db:"used_bytes"`
	TotalBytes   *int64         `db:"total_bytes"`
	Errors       pq.StringArray `db:"errors"`
	CreateDate   time.Time      `db:"create_date"`
	EndDate      *time.Time     `db:"end_date"`
}

// JobCursor marks a position in a create_date DESC, id DESC listing
type JobCursor struct {
	CreateDate time.Time
	ID         uuid.UUID
}

// JobFilter selects jobs of one volume
type JobFilter struct {
	Owner    string
	Name     string
	PageSize int
	Cursor   *JobCursor
}

// JobEvent is published when a job starts or reaches a terminal state
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Owner      string    `json:"owner"`
	Volume     string    `json:"volume"`
	JobType    JobType   `json:"job_type"`
	JobStatus  JobStatus `json:"job_status"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
