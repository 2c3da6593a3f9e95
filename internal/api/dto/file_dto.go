package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// BrowseRequest lists from "/" when Path is empty
type BrowseRequest struct {
	Path  string `form:"path"`
	Depth int    `form:"depth"`
}

type NodeDTO struct {
	Path  string    `json:"path"`
	IsDir bool      `json:"is_dir"`
	Bytes int64     `json:"bytes"`
	ATime time.Time `json:"atime"`
	MTime time.Time `json:"mtime"`
	CTime time.Time `json:"ctime"`
}

type BrowseResponse struct {
	Nodes []NodeDTO `json:"nodes"`
}

type DumpRequest struct {
	Path   string `form:"path" binding:"required"`
	Offset int64  `form:"offset"`
	Size   int    `form:"size" binding:"required"`
}

type DumpResponse struct {
	Base64 string `json:"base64"`
}

type CreateFileRequest struct {
	Path   string  `json:"path" binding:"required"`
	IsDir  bool    `json:"is_dir"`
	Base64 *string `json:"base64"`
	Offset *int64  `json:"offset"`
}

// TimeOrNow is either an RFC 3339 timestamp or the string "now"
type TimeOrNow struct {
	Time time.Time
	Now  bool
}

func (t *TimeOrNow) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`"now"`)) {
		t.Now = true
		return nil
	}
	if err := json.Unmarshal(data, &t.Time); err != nil {
		return fmt.Errorf("expected \"now\" or an RFC 3339 timestamp: %w", err)
	}
	return nil
}

// Resolve returns the requested instant, reading the clock for "now"
func (t *TimeOrNow) Resolve(now func() time.Time) *time.Time {
	if t == nil {
		return nil
	}
	if t.Now {
		v := now()
		return &v
	}
	v := t.Time
	return &v
}

type AttrDTO struct {
	Size  *int64     `json:"size"`
	ATime *TimeOrNow `json:"atime"`
	MTime *TimeOrNow `json:"mtime"`
}

type UpdateFileRequest struct {
	Path    string   `json:"path" binding:"required"`
	Base64  *string  `json:"base64"`
	Offset  *int64   `json:"offset"`
	NewPath *string  `json:"new_path"`
	Attr    *AttrDTO `json:"attr"`
}

type PathRequest struct {
	Path string `form:"path" binding:"required"`
}

type XattrDTO struct {
	Key    string `json:"key"`
	Base64 string `json:"base64"`
}

type ListXattrsResponse struct {
	Xattrs []XattrDTO `json:"xattrs"`
}

type SetXattrRequest struct {
	Path   string `json:"path" binding:"required"`
	Key    string `json:"key" binding:"required"`
	Base64 string `json:"base64"`
}

type RemoveXattrRequest struct {
	Path string `form:"path" binding:"required"`
	Key  string `form:"key" binding:"required"`
}
