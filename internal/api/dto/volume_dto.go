package dto

import (
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
)

type PutVolumeRequest struct {
	DataBytes int64 `json:"data_bytes"`
	RepoBytes int64 `json:"repo_bytes"`
}

// VolumeDTO never carries host paths or the repository passphrase
type VolumeDTO struct {
	Name          string    `json:"name"`
	OwnedBy       string    `json:"owned_by"`
	DataMaxBytes  int64     `json:"data_max_bytes"`
	RepoMaxBytes  int64     `json:"repo_max_bytes"`
	DataUsedBytes *int64    `json:"data_used_bytes"`
	RepoUsedBytes *int64    `json:"repo_used_bytes"`
	DateCreated   time.Time `json:"date_created"`
	DataAccessed  time.Time `json:"data_accessed"`
	RepoAccessed  time.Time `json:"repo_accessed"`
	Locked        bool      `json:"locked"`
}

func NewVolumeDTO(v *domain.Volume, usage domain.VolumeUsage) VolumeDTO {
	return VolumeDTO{
		Name:          v.Name,
		OwnedBy:       v.OwnedBy,
		DataMaxBytes:  v.DataMaxBytes,
		RepoMaxBytes:  v.RepoMaxBytes,
		DataUsedBytes: usage.DataUsedBytes,
		RepoUsedBytes: usage.RepoUsedBytes,
		DateCreated:   v.DateCreated,
		DataAccessed:  v.DataAccessed,
		RepoAccessed:  v.RepoAccessed,
		Locked:        v.Locked,
	}
}

type ListVolumesResponse struct {
	Volumes []VolumeDTO `json:"volumes"`
}
