package host

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DiskUsage is the df view of a filesystem, in bytes
type DiskUsage struct {
	Total int64
	Used  int64
	Avail int64
}

// GetDiskUsage runs "df <path> -B1" and parses the second line
func GetDiskUsage(ctx context.Context, r Runner, path string) (DiskUsage, error) {
	out, err := r.Run(ctx, Cmd("df", path, "-B1"))
	if err != nil {
		return DiskUsage{}, err
	}
	return parseDiskUsage(out)
}

func parseDiskUsage(out string) (DiskUsage, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return DiskUsage{}, fmt.Errorf("unexpected df output: %q", out)
	}

	// Filesystem 1B-blocks Used Available Use% Mounted on
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return DiskUsage{}, fmt.Errorf("unexpected df line: %q", lines[1])
	}

	var usage DiskUsage
	for i, dst := range []*int64{&usage.Total, &usage.Used, &usage.Avail} {
		v, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return DiskUsage{}, fmt.Errorf("failed to parse df field %q: %w", fields[i+1], err)
		}
		*dst = v
	}
	return usage, nil
}

// GetBlockSize reads the filesystem block size of an ext4 image with tune2fs
func GetBlockSize(ctx context.Context, r Runner, image string) (int64, error) {
	out, err := r.Run(ctx, Cmd("tune2fs", "-l", image))
	if err != nil {
		return 0, err
	}
	return parseBlockSize(out)
}

func parseBlockSize(out string) (int64, error) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "Block size" {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse block size %q: %w", value, err)
		}
		if size <= 0 {
			return 0, fmt.Errorf("invalid block size %d", size)
		}
		return size, nil
	}
	return 0, fmt.Errorf("block size not found in tune2fs output")
}
