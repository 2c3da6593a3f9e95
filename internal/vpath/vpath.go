// Package vpath translates between client-visible paths and physical paths
// inside a volume's mounts.
//
// A client path has the form /<volume>/<zone>/<rest>. The zone is either
// "data", mapped onto the data mount, or "repo", mapped onto the repository
// view. The data zone is always writable. The repo zone is writable only
// below its root.
package vpath

import (
	"path/filepath"
	"strings"

	"github.com/cuongbtq/neptis/internal/domain"
)

const (
	ZoneData = "data"
	ZoneRepo = "repo"

	lostAndFound = "lost+found"
)

// Resolved is the physical side of a client path
type Resolved struct {
	Path     string
	Zone     string
	Writable bool
}

// Split separates the volume name from the path below it.
// "/vol/data/a" yields ("vol", "data/a").
func Split(clientPath string) (string, string, error) {
	trimmed := strings.Trim(clientPath, "/")
	if trimmed == "" {
		return "", "", domain.BadRequest("Bad path: path is empty")
	}
	name, rest, _ := strings.Cut(trimmed, "/")
	return name, rest, nil
}

// ToPhysical resolves a path relative to the volume root ("data/...", "repo/...").
func ToPhysical(rel string, v *domain.Volume) (Resolved, error) {
	trimmed := strings.Trim(rel, "/")
	if trimmed == "" {
		return Resolved{}, domain.BadRequest("Bad path: cannot resolve an empty path")
	}

	zone, rest, _ := strings.Cut(trimmed, "/")

	var base string
	switch zone {
	case ZoneData:
		base = filepath.Clean(v.DataMntPath)
	case ZoneRepo:
		base = filepath.Clean(v.RepoViewDir())
	default:
		return Resolved{}, domain.BadRequest("Bad path: invalid prefix " + zone)
	}

	physical := base
	if rest != "" {
		physical = filepath.Join(base, rest)
	}
	if physical != base && !strings.HasPrefix(physical, base+"/") {
		return Resolved{}, domain.BadRequest("Bad path: escapes the volume")
	}

	writable := true
	if zone == ZoneRepo {
		writable = physical != base
	}

	return Resolved{Path: physical, Zone: zone, Writable: writable}, nil
}

// ToVirtual maps a physical path under one of the volume's mounts back to
// its client path.
func ToVirtual(physical string, v *domain.Volume) (string, error) {
	physical = filepath.Clean(physical)

	for _, z := range []struct {
		base string
		zone string
	}{
		{base: filepath.Clean(v.DataMntPath), zone: ZoneData},
		{base: filepath.Clean(v.RepoViewDir()), zone: ZoneRepo},
	} {
		if physical == z.base {
			return "/" + v.Name + "/" + z.zone, nil
		}
		if strings.HasPrefix(physical, z.base+"/") {
			return "/" + v.Name + "/" + z.zone + physical[len(z.base):], nil
		}
	}

	return "", domain.BadRequest("Bad path: " + physical + " is outside the volume")
}

// Hidden reports whether a client path is suppressed from listings
func Hidden(virtual string, v *domain.Volume) bool {
	reserved := "/" + v.Name + "/" + ZoneData + "/" + lostAndFound
	return virtual == reserved || strings.HasPrefix(virtual, reserved+"/")
}

// Depth counts the separators of a client path; "/" is depth 1
func Depth(virtual string) int {
	return strings.Count(virtual, "/")
}
