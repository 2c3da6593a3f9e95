package files

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/vpath"
)

// Node is one entry of a browse listing
type Node struct {
	Path  string
	IsDir bool
	Bytes int64
	ATime time.Time
	MTime time.Time
	CTime time.Time
}

func nodeFromInfo(virtual string, info fs.FileInfo) Node {
	atime, mtime, ctime := fileTimes(info)
	n := Node{
		Path:  virtual,
		IsDir: info.IsDir(),
		ATime: atime,
		MTime: mtime,
		CTime: ctime,
	}
	if !n.IsDir {
		n.Bytes = info.Size()
	}
	return n
}

// under reports whether p is request or below it
func under(p, request string) bool {
	if request == "/" {
		return true
	}
	return p == request || strings.HasPrefix(p, request+"/")
}

// related reports whether a and b lie on the same branch of the tree
func related(a, b string) bool {
	return under(a, b) || under(b, a)
}

// Browse lists the caller's tree below clientPath, at most depth levels deep.
// Each volume contributes synthetic /<vol>, /<vol>/data and /<vol>/repo
// entries.
func (s *Service) Browse(ctx context.Context, caller *domain.User, clientPath string, depth int) ([]Node, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}

	request := "/" + strings.Trim(strings.TrimSpace(clientPath), "/")
	request = filepath.Clean(request)
	allowed := vpath.Depth(request) + depth

	volumes, err := s.volumes.Volumes(ctx, caller.UserName)
	if err != nil {
		return nil, err
	}

	nodes := []Node{}
	seen := make(map[string]bool)
	add := func(n Node) {
		if seen[n.Path] || !under(n.Path, request) || vpath.Depth(n.Path) > allowed {
			return
		}
		seen[n.Path] = true
		nodes = append(nodes, n)
	}

	for i := range volumes {
		v := &volumes[i]
		root := "/" + v.Name
		if !related(root, request) {
			continue
		}

		for _, p := range []string{root, root + "/" + vpath.ZoneData, root + "/" + vpath.ZoneRepo} {
			add(Node{Path: p, IsDir: true, ATime: v.DataAccessed, MTime: v.DataAccessed, CTime: v.DataAccessed})
		}

		for _, zone := range []string{vpath.ZoneData, vpath.ZoneRepo} {
			zoneRoot := root + "/" + zone
			if !related(zoneRoot, request) {
				continue
			}

			if err := s.volumes.EnsureMounted(ctx, v, zone == vpath.ZoneRepo); err != nil {
				return nil, err
			}

			start := zoneRoot
			if under(request, zoneRoot) {
				start = request
			}
			resolved, err := vpath.ToPhysical(strings.TrimPrefix(start, root), v)
			if err != nil {
				return nil, err
			}
			s.walk(resolved.Path, v, allowed, add)
		}
	}

	return nodes, nil
}

// walk visits physical entries below dir, skipping unreadable entries and
// directories deeper than allowed.
func (s *Service) walk(dir string, v *domain.Volume, allowed int, add func(Node)) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}

		virtual, verr := vpath.ToVirtual(p, v)
		if verr != nil {
			return nil
		}
		if vpath.Hidden(virtual, v) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, ierr := os.Lstat(p)
		if ierr == nil {
			add(nodeFromInfo(virtual, info))
		}

		if d.IsDir() && vpath.Depth(virtual) >= allowed {
			return fs.SkipDir
		}
		return nil
	})
}
