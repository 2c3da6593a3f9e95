package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
)

const (
	// DefaultSysfsRoot is the default root path for sysfs
	DefaultSysfsRoot = "/sys"

	fsTypeExt4 = "ext4"
)

// MountTable answers whether an image is mounted at a mount point as ext4
type MountTable interface {
	IsMounted(ctx context.Context, image, mountpoint string) (bool, error)
}

// MountInfoTable reads /proc/self/mountinfo. Loop devices are matched to
// their backing image through sysfs.
type MountInfoTable struct {
	SysfsRoot string
	getMounts func(mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

// NewMountInfoTable creates a table reading the live mount table
func NewMountInfoTable() *MountInfoTable {
	return &MountInfoTable{
		SysfsRoot: DefaultSysfsRoot,
		getMounts: mountinfo.GetMounts,
	}
}

// IsMounted reports whether image is mounted at mountpoint with type ext4
func (t *MountInfoTable) IsMounted(_ context.Context, image, mountpoint string) (bool, error) {
	infos, err := t.getMounts(mountinfo.SingleEntryFilter(filepath.Clean(mountpoint)))
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}

	image = filepath.Clean(image)
	for _, info := range infos {
		if info.FSType != fsTypeExt4 {
			continue
		}
		if t.sourceMatches(info.Source, image) {
			return true, nil
		}
	}
	return false, nil
}

func (t *MountInfoTable) sourceMatches(source, image string) bool {
	if filepath.Clean(source) == image {
		return true
	}

	dev := filepath.Base(source)
	if !strings.HasPrefix(dev, "loop") {
		return false
	}

	data, err := os.ReadFile(filepath.Join(t.SysfsRoot, "block", dev, "loop", "backing_file"))
	if err != nil {
		return false
	}
	return filepath.Clean(strings.TrimSpace(string(data))) == image
}

// CommandMountTable lists mounts with "mount -l" and looks for the line
// "<image> on <mountpoint> type ext4".
type CommandMountTable struct {
	runner Runner
}

// NewCommandMountTable creates a table backed by the mount command
func NewCommandMountTable(runner Runner) *CommandMountTable {
	return &CommandMountTable{runner: runner}
}

// IsMounted reports whether the mount listing contains the image entry
func (t *CommandMountTable) IsMounted(ctx context.Context, image, mountpoint string) (bool, error) {
	out, err := t.runner.Run(ctx, Cmd("mount", "-l"))
	if err != nil {
		return false, err
	}
	return MatchMountLine(out, image, mountpoint), nil
}

// MatchMountLine reports whether a mount listing has an ext4 entry for image at mountpoint
func MatchMountLine(listing, image, mountpoint string) bool {
	needle := fmt.Sprintf("%s on %s type %s", image, mountpoint, fsTypeExt4)
	for _, line := range strings.Split(listing, "\n") {
		if strings.HasPrefix(line, needle+" ") || line == needle {
			return true
		}
	}
	return false
}
