// Package files serves the virtual file namespace of a user's volumes:
// browsing, reading, writing and extended attributes.
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/vpath"
)

const (
	// DefaultDepth is the browse depth used when none is requested
	DefaultDepth = 2
	// MaxDumpSize caps a single dump read
	MaxDumpSize = 16 << 20
)

// Volumes looks up and mounts the caller's volumes
type Volumes interface {
	Volumes(ctx context.Context, owner string) ([]domain.Volume, error)
	EnsureMounted(ctx context.Context, v *domain.Volume, needView bool) error
}

// Service resolves client paths and performs file operations on them
type Service struct {
	volumes Volumes
	logger  *slog.Logger
}

// NewService creates a file service
func NewService(volumes Volumes, logger *slog.Logger) *Service {
	return &Service{
		volumes: volumes,
		logger:  logger,
	}
}

// target is a resolved client path
type target struct {
	volume   *domain.Volume
	resolved vpath.Resolved
}

func (t target) isZoneRoot() bool {
	switch t.resolved.Zone {
	case vpath.ZoneData:
		return t.resolved.Path == filepath.Clean(t.volume.DataMntPath)
	default:
		return t.resolved.Path == filepath.Clean(t.volume.RepoViewDir())
	}
}

// resolve maps a client path onto one of the caller's volumes and makes sure
// the backing mount is present.
func (s *Service) resolve(ctx context.Context, caller *domain.User, clientPath string) (target, error) {
	name, rest, err := vpath.Split(clientPath)
	if err != nil {
		return target{}, err
	}

	volumes, err := s.volumes.Volumes(ctx, caller.UserName)
	if err != nil {
		return target{}, err
	}

	for i := range volumes {
		if volumes[i].Name != name {
			continue
		}
		v := &volumes[i]
		resolved, err := vpath.ToPhysical(rest, v)
		if err != nil {
			return target{}, err
		}
		if err := s.volumes.EnsureMounted(ctx, v, resolved.Zone == vpath.ZoneRepo); err != nil {
			return target{}, err
		}
		return target{volume: v, resolved: resolved}, nil
	}

	return target{}, domain.BadRequest("Failed to parse path: " + clientPath)
}

func (s *Service) resolveWritable(ctx context.Context, caller *domain.User, clientPath string) (target, error) {
	t, err := s.resolve(ctx, caller, clientPath)
	if err != nil {
		return target{}, err
	}
	if !t.resolved.Writable {
		return target{}, domain.BadRequest("The path is read-only")
	}
	return t, nil
}

// fsError classifies a filesystem error for the caller
func fsError(msg string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.BadRequest(msg + ": no such file or directory")
	case errors.Is(err, fs.ErrPermission):
		return domain.BadRequest(msg + ": permission denied")
	default:
		return domain.Internal(msg, err)
	}
}

func decode(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, domain.BadRequest("Failed to decode base64")
	}
	return b, nil
}

// Dump returns up to size bytes of a file from offset, base64 encoded
func (s *Service) Dump(ctx context.Context, caller *domain.User, clientPath string, offset int64, size int) (string, error) {
	if offset < 0 || size <= 0 || size > MaxDumpSize {
		return "", domain.BadRequest("Offset must not be negative and size must be between 1 and 16 MiB")
	}

	t, err := s.resolve(ctx, caller, clientPath)
	if err != nil {
		return "", err
	}

	f, err := os.Open(t.resolved.Path)
	if err != nil {
		return "", fsError("Failed to open file", err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fsError("Failed to read file", err)
	}

	return base64.StdEncoding.EncodeToString(buf[:n]), nil
}

// CreateRequest creates a file or directory that must not exist yet
type CreateRequest struct {
	Path   string
	IsDir  bool
	Base64 *string
	Offset *int64
}

// Create makes a new file or directory
func (s *Service) Create(ctx context.Context, caller *domain.User, req CreateRequest) error {
	t, err := s.resolveWritable(ctx, caller, req.Path)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(t.resolved.Path); err == nil {
		return domain.BadRequest("File already exists, use PUT")
	}

	if req.IsDir {
		if req.Base64 != nil {
			return domain.BadRequest("Cannot write file contents to a directory")
		}
		if err := os.MkdirAll(t.resolved.Path, 0o777); err != nil {
			return fsError("Failed to create directory", err)
		}
		return nil
	}

	var data []byte
	if req.Base64 != nil {
		if data, err = decode(*req.Base64); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(t.resolved.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return fsError("Failed to create file", err)
	}
	defer f.Close()

	if err := writeAt(f, data, req.Offset); err != nil {
		return err
	}
	return nil
}

func writeAt(f *os.File, data []byte, offset *int64) error {
	var off int64
	if offset != nil {
		if *offset < 0 {
			return domain.BadRequest("Offset must not be negative")
		}
		off = *offset
	}
	if _, err := f.WriteAt(data, off); err != nil {
		return fsError("Failed to write file", err)
	}
	return nil
}

// Attr changes file metadata. A nil field is left unchanged.
type Attr struct {
	Size  *int64
	ATime *time.Time
	MTime *time.Time
}

// UpdateRequest modifies an existing file or directory. Contents are written
// first, then the path is renamed, then attributes are applied.
type UpdateRequest struct {
	Path    string
	Base64  *string
	Offset  *int64
	NewPath *string
	Attr    *Attr
}

// Update writes, renames and sets attributes of an existing path
func (s *Service) Update(ctx context.Context, caller *domain.User, req UpdateRequest) error {
	t, err := s.resolveWritable(ctx, caller, req.Path)
	if err != nil {
		return err
	}

	info, err := os.Lstat(t.resolved.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.BadRequest("File does not exist, use POST")
		}
		return fsError("Failed to stat file", err)
	}
	if info.IsDir() && req.Base64 != nil {
		return domain.BadRequest("Cannot write file contents to a directory")
	}

	if req.Base64 != nil {
		data, err := decode(*req.Base64)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(t.resolved.Path, os.O_WRONLY, 0)
		if err != nil {
			return fsError("Failed to open file", err)
		}
		err = writeAt(f, data, req.Offset)
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fsError("Failed to close file", cerr)
		}
		if err != nil {
			return err
		}
	}

	path := t.resolved.Path
	if req.NewPath != nil {
		dst, err := s.resolveWritable(ctx, caller, *req.NewPath)
		if err != nil {
			return err
		}
		if t.isZoneRoot() || dst.isZoneRoot() {
			return domain.BadRequest("Cannot move a volume root")
		}
		if err := os.Rename(path, dst.resolved.Path); err != nil {
			return fsError("Failed to move file", err)
		}
		path = dst.resolved.Path
	}

	if req.Attr != nil {
		if err := setTimes(path, req.Attr.ATime, req.Attr.MTime); err != nil {
			return domain.Internal("Failed to set attributes", err)
		}
		if req.Attr.Size != nil {
			if *req.Attr.Size < 0 {
				return domain.BadRequest("Size must not be negative")
			}
			if err := os.Truncate(path, *req.Attr.Size); err != nil {
				return fsError("Failed to set file size", err)
			}
		}
	}
	return nil
}

// Delete removes a file or a directory tree
func (s *Service) Delete(ctx context.Context, caller *domain.User, clientPath string) error {
	t, err := s.resolveWritable(ctx, caller, clientPath)
	if err != nil {
		return err
	}
	if t.isZoneRoot() {
		return domain.BadRequest("Cannot delete a volume root")
	}

	info, err := os.Lstat(t.resolved.Path)
	if err != nil {
		return fsError("Failed to stat file", err)
	}

	if info.IsDir() {
		err = os.RemoveAll(t.resolved.Path)
	} else {
		err = os.Remove(t.resolved.Path)
	}
	if err != nil {
		return fsError("Failed to remove file", err)
	}

	s.logger.Debug("File removed",
		slog.String("owner", caller.UserName),
		slog.String("path", clientPath),
	)
	return nil
}
