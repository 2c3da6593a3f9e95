package files

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/cuongbtq/neptis/internal/domain"
	"golang.org/x/sys/unix"
)

// Xattr is one extended attribute with a base64 value
type Xattr struct {
	Key    string
	Base64 string
}

func xattrError(msg string, err error) error {
	switch {
	case errors.Is(err, unix.ENODATA):
		return domain.BadRequest(msg + ": no such attribute")
	case errors.Is(err, unix.ENOTSUP):
		return domain.BadRequest(msg + ": not supported on this file")
	case errors.Is(err, unix.ENOENT):
		return domain.BadRequest(msg + ": no such file or directory")
	default:
		return domain.Internal(msg, err)
	}
}

func listXattrNames(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size == 0 {
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, name := range strings.Split(string(buf[:size]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func getXattr(path, key string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, key, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Lgetxattr(path, key, buf)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// ListXattrs returns every extended attribute of a path
func (s *Service) ListXattrs(ctx context.Context, caller *domain.User, clientPath string) ([]Xattr, error) {
	t, err := s.resolve(ctx, caller, clientPath)
	if err != nil {
		return nil, err
	}

	names, err := listXattrNames(t.resolved.Path)
	if err != nil {
		return nil, xattrError("Failed to list attributes", err)
	}

	out := make([]Xattr, 0, len(names))
	for _, name := range names {
		value, err := getXattr(t.resolved.Path, name)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, xattrError("Failed to read attribute", err)
		}
		out = append(out, Xattr{Key: name, Base64: base64.StdEncoding.EncodeToString(value)})
	}
	return out, nil
}

// SetXattr sets an extended attribute from a base64 value
func (s *Service) SetXattr(ctx context.Context, caller *domain.User, clientPath, key, value string) error {
	if key == "" {
		return domain.BadRequest("Attribute key is required")
	}

	t, err := s.resolveWritable(ctx, caller, clientPath)
	if err != nil {
		return err
	}

	data, err := decode(value)
	if err != nil {
		return err
	}
	if err := unix.Lsetxattr(t.resolved.Path, key, data, 0); err != nil {
		return xattrError("Failed to set attribute", err)
	}
	return nil
}

// RemoveXattr removes an extended attribute
func (s *Service) RemoveXattr(ctx context.Context, caller *domain.User, clientPath, key string) error {
	if key == "" {
		return domain.BadRequest("Attribute key is required")
	}

	t, err := s.resolveWritable(ctx, caller, clientPath)
	if err != nil {
		return err
	}

	if err := unix.Lremovexattr(t.resolved.Path, key); err != nil {
		return xattrError("Failed to remove attribute", err)
	}
	return nil
}
