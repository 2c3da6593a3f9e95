package domain

import (
	"path/filepath"
	"time"
)

const (
	// RepoDirName is the restic repository directory inside the repository mount
	RepoDirName = "repo"
	// RepoViewDirName is where the repository view is mounted inside the repository mount
	RepoViewDirName = "repo-mnt"
)

// Volume is a user-owned pair of loopback images (data + backup repository)
type Volume struct {
	OwnedBy      string    `db:"owned_by"`
	Name         string    `db:"mount_name"`
	DataImgPath  string    `db:"data_img_path"`
	DataMntPath  string    `db:"data_mnt_path"`
	RepoImgPath  string    `db:"repo_img_path"`
	RepoMntPath  string    `db:"repo_mnt_path"`
	RepoPassword string    `db:"repo_password"`
	DataMaxBytes int64     `db:"data_max_bytes"`
	RepoMaxBytes int64     `db:"repo_max_bytes"`
	DateCreated  time.Time `db:"date_created"`
	DataAccessed time.Time `db:"data_accessed"`
	RepoAccessed time.Time `db:"repo_accessed"`
	Locked       bool      `db:"locked"`
}

// RepoDir returns the backup repository location
func (v *Volume) RepoDir() string {
	return filepath.Join(v.RepoMntPath, RepoDirName)
}

// RepoViewDir returns the mount point of the repository view
func (v *Volume) RepoViewDir() string {
	return filepath.Join(v.RepoMntPath, RepoViewDirName)
}

// Key identifies the volume for locks and metrics
func (v *Volume) Key() string {
	return v.OwnedBy + "/" + v.Name
}

// VolumeUsage holds used bytes for a mounted volume
type VolumeUsage struct {
	DataUsedBytes *int64
	RepoUsedBytes *int64
}
