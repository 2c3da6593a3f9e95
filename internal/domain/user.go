package domain

import "time"

// User is the authenticated caller; quota ceilings come from here
type User struct {
	UserName         string    `db:"user_name"`
	FirstName        string    `db:"first_name"`
	LastName         string    `db:"last_name"`
	CreateDate       time.Time `db:"create_date"`
	IsAdmin          bool      `db:"is_admin"`
	MaxDataBytes     int64     `db:"max_data_bytes"`
	MaxSnapshotBytes int64     `db:"max_snapshot_bytes"`
}

// CanAccess reports whether u may see or act on resources owned by owner
func (u *User) CanAccess(owner string) bool {
	return u.IsAdmin || u.UserName == owner
}

// UserUpdate carries the fields of a partial user update; nil leaves a field as is
type UserUpdate struct {
	FirstName        *string
	LastName         *string
	IsAdmin          *bool
	MaxDataBytes     *int64
	MaxSnapshotBytes *int64
}
