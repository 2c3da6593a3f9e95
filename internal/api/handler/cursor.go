package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/google/uuid"
)

// DecodeJobCursor parses an opaque page token. An empty token is the first page.
func DecodeJobCursor(cursorStr string) (*domain.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	nanos, id, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createDate int64
	if _, err := fmt.Sscanf(nanos, "%d", &createDate); err != nil {
		return nil, fmt.Errorf("invalid create date in cursor: %w", err)
	}

	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid job id in cursor: %w", err)
	}

	return &domain.JobCursor{
		CreateDate: time.Unix(0, createDate).UTC(),
		ID:         jobID,
	}, nil
}

// EncodeJobCursor renders the position after the last job of a page
func EncodeJobCursor(cursor *domain.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreateDate.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
