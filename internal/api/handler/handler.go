package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/files"
	"github.com/cuongbtq/neptis/internal/jobs"
	"github.com/cuongbtq/neptis/internal/volume"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CallerKey is the gin context key holding the authenticated *domain.User
const CallerKey = "caller"

// VolumeService is the volume lifecycle used by the handlers
type VolumeService interface {
	List(ctx context.Context, caller *domain.User) ([]volume.Info, error)
	Get(ctx context.Context, caller *domain.User, owner, name string) (*volume.Info, error)
	Put(ctx context.Context, caller *domain.User, name string, dataBytes, repoBytes int64) (*domain.Volume, error)
	Delete(ctx context.Context, caller *domain.User, owner, name string) error
}

// JobService launches and lists backup and restore jobs
type JobService interface {
	LaunchBackup(ctx context.Context, caller *domain.User, req jobs.BackupRequest) (*domain.Job, error)
	LaunchRestore(ctx context.Context, caller *domain.User, req jobs.RestoreRequest) (*domain.Job, error)
	GetJob(ctx context.Context, caller *domain.User, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, caller *domain.User, filter domain.JobFilter) ([]domain.Job, *domain.JobCursor, error)
}

// FileService serves the virtual file namespace
type FileService interface {
	Browse(ctx context.Context, caller *domain.User, clientPath string, depth int) ([]files.Node, error)
	Dump(ctx context.Context, caller *domain.User, clientPath string, offset int64, size int) (string, error)
	Create(ctx context.Context, caller *domain.User, req files.CreateRequest) error
	Update(ctx context.Context, caller *domain.User, req files.UpdateRequest) error
	Delete(ctx context.Context, caller *domain.User, clientPath string) error
	ListXattrs(ctx context.Context, caller *domain.User, clientPath string) ([]files.Xattr, error)
	SetXattr(ctx context.Context, caller *domain.User, clientPath, key, value string) error
	RemoveXattr(ctx context.Context, caller *domain.User, clientPath, key string) error
}

// UserService administers users
type UserService interface {
	List(ctx context.Context, caller *domain.User) ([]domain.User, error)
	Get(ctx context.Context, caller *domain.User, userName string) (*domain.User, error)
	Create(ctx context.Context, caller *domain.User, user domain.User) (*domain.User, error)
	Update(ctx context.Context, caller *domain.User, userName string, upd domain.UserUpdate) (*domain.User, error)
	Delete(ctx context.Context, caller *domain.User, userName string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Volumes VolumeService
	Jobs    JobService
	Files   FileService
	Users   UserService
}

// statusOf maps an error kind onto an HTTP status
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": msg}. Internal failures are logged with their
// cause and answered with the message alone.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusOf(err)
	msg := domain.Message(err)

	switch {
	case status == http.StatusInternalServerError:
		logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		var derr *domain.Error
		if !errors.As(err, &derr) {
			msg = "Internal server error"
		}
	case status == http.StatusNotFound:
		msg = notFoundMessage(err)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrVolumeNotFound):
		return "Volume not found"
	case errors.Is(err, domain.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, domain.ErrUserNotFound):
		return "User not found"
	default:
		return domain.Message(err)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// Caller returns the user set by the auth middleware
func Caller(c *gin.Context) *domain.User {
	v, ok := c.Get(CallerKey)
	if !ok {
		return nil
	}
	u, _ := v.(*domain.User)
	return u
}

// ownerParam returns ?owner= when given, the caller otherwise
func ownerParam(c *gin.Context, caller *domain.User) string {
	if owner := c.Query("owner"); owner != "" {
		return owner
	}
	return caller.UserName
}
