package dto

import (
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
)

type CreateUserRequest struct {
	UserName         string `json:"user_name" binding:"required"`
	FirstName        string `json:"first_name" binding:"required"`
	LastName         string `json:"last_name" binding:"required"`
	IsAdmin          bool   `json:"is_admin"`
	MaxDataBytes     *int64 `json:"max_data_bytes"`
	MaxSnapshotBytes *int64 `json:"max_snapshot_bytes"`
}

func (r *CreateUserRequest) ToDomain() domain.User {
	u := domain.User{
		UserName:  r.UserName,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		IsAdmin:   r.IsAdmin,
	}
	if r.MaxDataBytes != nil {
		u.MaxDataBytes = *r.MaxDataBytes
	}
	if r.MaxSnapshotBytes != nil {
		u.MaxSnapshotBytes = *r.MaxSnapshotBytes
	}
	return u
}

type UpdateUserRequest struct {
	FirstName        *string `json:"first_name"`
	LastName         *string `json:"last_name"`
	IsAdmin          *bool   `json:"is_admin"`
	MaxDataBytes     *int64  `json:"max_data_bytes"`
	MaxSnapshotBytes *int64  `json:"max_snapshot_bytes"`
}

func (r *UpdateUserRequest) ToDomain() domain.UserUpdate {
	return domain.UserUpdate{
		FirstName:        r.FirstName,
		LastName:         r.LastName,
		IsAdmin:          r.IsAdmin,
		MaxDataBytes:     r.MaxDataBytes,
		MaxSnapshotBytes: r.MaxSnapshotBytes,
	}
}

// UserDTO shows quotas to administrators only
type UserDTO struct {
	UserName         string    `json:"user_name"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	CreateDate       time.Time `json:"create_date"`
	IsAdmin          bool      `json:"is_admin"`
	MaxDataBytes     *int64    `json:"max_data_bytes"`
	MaxSnapshotBytes *int64    `json:"max_snapshot_bytes"`
}

func NewUserDTO(caller, u *domain.User) UserDTO {
	d := UserDTO{
		UserName:   u.UserName,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		CreateDate: u.CreateDate,
		IsAdmin:    u.IsAdmin,
	}
	if caller.IsAdmin {
		data, snapshot := u.MaxDataBytes, u.MaxSnapshotBytes
		d.MaxDataBytes = &data
		d.MaxSnapshotBytes = &snapshot
	}
	return d
}

type ListUsersResponse struct {
	Users []UserDTO `json:"users"`
}
