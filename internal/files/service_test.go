package files

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVolumes struct {
	volumes  []domain.Volume
	mountErr error
	views    int
}

func (f *fakeVolumes) Volumes(_ context.Context, owner string) ([]domain.Volume, error) {
	var out []domain.Volume
	for _, v := range f.volumes {
		if v.OwnedBy == owner {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVolumes) EnsureMounted(_ context.Context, _ *domain.Volume, needView bool) error {
	if needView {
		f.views++
	}
	return f.mountErr
}

type fixture struct {
	svc     *Service
	volumes *fakeVolumes
	volume  domain.Volume
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	v := domain.Volume{
		OwnedBy:      "alice",
		Name:         "docs",
		DataMntPath:  filepath.Join(root, "docs-alice-DATA"),
		RepoMntPath:  filepath.Join(root, "docs-alice-REPO"),
		DataAccessed: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(v.DataMntPath, "lost+found"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(v.DataMntPath, "notes", "2026"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(v.DataMntPath, "notes", "todo.txt"), []byte("buy milk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(v.DataMntPath, "notes", "2026", "march.txt"), []byte("m"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(v.RepoViewDir(), "snapshots"), 0o755))

	volumes := &fakeVolumes{volumes: []domain.Volume{v}}
	return &fixture{
		svc:     NewService(volumes, slog.New(slog.NewTextHandler(io.Discard, nil))),
		volumes: volumes,
		volume:  v,
	}
}

func alice() *domain.User {
	return &domain.User{UserName: "alice"}
}

func b64(s string) *string {
	enc := base64.StdEncoding.EncodeToString([]byte(s))
	return &enc
}

func paths(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	sort.Strings(out)
	return out
}

func TestBrowse(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		depth int
		want  []string
	}{
		{
			name: "root with default depth",
			path: "/",
			want: []string{
				"/docs",
				"/docs/data",
				"/docs/data/notes",
				"/docs/repo",
				"/docs/repo/snapshots",
			},
		},
		{
			name:  "root depth one",
			path:  "/",
			depth: 1,
			want:  []string{"/docs", "/docs/data", "/docs/repo"},
		},
		{
			name: "data zone",
			path: "/docs/data/",
			want: []string{
				"/docs/data",
				"/docs/data/notes",
				"/docs/data/notes/2026",
				"/docs/data/notes/todo.txt",
			},
		},
		{
			name:  "deep",
			path:  "/docs/data/notes",
			depth: 5,
			want: []string{
				"/docs/data/notes",
				"/docs/data/notes/2026",
				"/docs/data/notes/2026/march.txt",
				"/docs/data/notes/todo.txt",
			},
		},
		{
			name: "other volume",
			path: "/photos",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			nodes, err := f.svc.Browse(context.Background(), alice(), tt.path, tt.depth)
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths(nodes))
		})
	}
}

func TestBrowse_NodeDetails(t *testing.T) {
	f := newFixture(t)

	nodes, err := f.svc.Browse(context.Background(), alice(), "/docs/data/notes", 1)
	require.NoError(t, err)

	byPath := make(map[string]Node)
	for _, n := range nodes {
		byPath[n.Path] = n
	}
	todo := byPath["/docs/data/notes/todo.txt"]
	assert.False(t, todo.IsDir)
	assert.Equal(t, int64(8), todo.Bytes)
	assert.False(t, todo.MTime.IsZero())
	assert.True(t, byPath["/docs/data/notes/2026"].IsDir)
	assert.Zero(t, f.volumes.views, "data-only browse does not need the repository view")
}

func TestBrowse_MountFailure(t *testing.T) {
	f := newFixture(t)
	f.volumes.mountErr = domain.Timeout("Failed to mount the repository view")

	_, err := f.svc.Browse(context.Background(), alice(), "/docs/repo", 2)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		offset  int64
		size    int
		want    string
		wantErr bool
	}{
		{name: "whole file", path: "/docs/data/notes/todo.txt", size: 100, want: "buy milk"},
		{name: "slice", path: "/docs/data/notes/todo.txt", offset: 4, size: 2, want: "mi"},
		{name: "past end", path: "/docs/data/notes/todo.txt", offset: 50, size: 2, want: ""},
		{name: "missing", path: "/docs/data/nope", size: 1, wantErr: true},
		{name: "zero size", path: "/docs/data/notes/todo.txt", wantErr: true},
		{name: "unknown volume", path: "/photos/data/a", size: 1, wantErr: true},
		{name: "escape", path: "/docs/data/../../etc/passwd", size: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Dump(ctx, alice(), tt.path, tt.offset, tt.size)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			decoded, err := base64.StdEncoding.DecodeString(got)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(decoded))
		})
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Create(ctx, alice(), CreateRequest{Path: "/docs/data/new.txt", Base64: b64("hello")}))
	content, err := os.ReadFile(filepath.Join(f.volume.DataMntPath, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	offset := int64(3)
	require.NoError(t, f.svc.Create(ctx, alice(), CreateRequest{Path: "/docs/data/sparse.bin", Base64: b64("x"), Offset: &offset}))
	content, err = os.ReadFile(filepath.Join(f.volume.DataMntPath, "sparse.bin"))
	require.NoError(t, err)
	assert.Equal(t, "\x00\x00\x00x", string(content))

	require.NoError(t, f.svc.Create(ctx, alice(), CreateRequest{Path: "/docs/data/a/b", IsDir: true}))
	assert.DirExists(t, filepath.Join(f.volume.DataMntPath, "a", "b"))

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "exists", req: CreateRequest{Path: "/docs/data/new.txt"}},
		{name: "dir with contents", req: CreateRequest{Path: "/docs/data/d", IsDir: true, Base64: b64("x")}},
		{name: "bad base64", req: CreateRequest{Path: "/docs/data/x", Base64: func() *string { s := "%%%"; return &s }()}},
		{name: "read-only repo root", req: CreateRequest{Path: "/docs/repo"}},
		{name: "bad zone", req: CreateRequest{Path: "/docs/tmp/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Create(ctx, alice(), tt.req)
			require.Error(t, err)
			assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
		})
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	todo := filepath.Join(f.volume.DataMntPath, "notes", "todo.txt")

	offset := int64(4)
	require.NoError(t, f.svc.Update(ctx, alice(), UpdateRequest{Path: "/docs/data/notes/todo.txt", Base64: b64("eggs"), Offset: &offset}))
	content, err := os.ReadFile(todo)
	require.NoError(t, err)
	assert.Equal(t, "buy eggs", string(content))

	mtime := time.Date(2025, 12, 24, 18, 30, 0, 0, time.UTC)
	size := int64(3)
	newPath := "/docs/data/list.txt"
	require.NoError(t, f.svc.Update(ctx, alice(), UpdateRequest{
		Path:    "/docs/data/notes/todo.txt",
		NewPath: &newPath,
		Attr:    &Attr{MTime: &mtime, Size: &size},
	}))
	assert.NoFileExists(t, todo)

	moved := filepath.Join(f.volume.DataMntPath, "list.txt")
	content, err = os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "buy", string(content))

	info, err := os.Stat(moved)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	atime := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, f.svc.Update(ctx, alice(), UpdateRequest{Path: "/docs/data/list.txt", Attr: &Attr{ATime: &atime, MTime: &mtime}}))
	info, err = os.Stat(moved)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
	a, _, _ := fileTimes(info)
	assert.True(t, a.Equal(atime))

	tests := []struct {
		name string
		req  UpdateRequest
	}{
		{name: "missing", req: UpdateRequest{Path: "/docs/data/nope"}},
		{name: "contents into directory", req: UpdateRequest{Path: "/docs/data/notes", Base64: b64("x")}},
		{name: "move volume root", req: UpdateRequest{Path: "/docs/data", NewPath: &newPath}},
		{name: "move to read-only", req: UpdateRequest{Path: "/docs/data/list.txt", NewPath: func() *string { s := "/docs/repo"; return &s }()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Update(ctx, alice(), tt.req)
			require.Error(t, err)
			assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
		})
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Delete(ctx, alice(), "/docs/data/notes/todo.txt"))
	assert.NoFileExists(t, filepath.Join(f.volume.DataMntPath, "notes", "todo.txt"))

	require.NoError(t, f.svc.Delete(ctx, alice(), "/docs/data/notes"))
	assert.NoDirExists(t, filepath.Join(f.volume.DataMntPath, "notes"))

	for _, p := range []string{"/docs/data", "/docs/repo", "/docs/data/notes", "/", "/bob/data/x"} {
		err := f.svc.Delete(ctx, alice(), p)
		require.Error(t, err, p)
		assert.Equal(t, domain.KindBadRequest, domain.KindOf(err), p)
	}
	assert.DirExists(t, f.volume.DataMntPath)
}

func TestXattrs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "/docs/data/notes/todo.txt"

	err := f.svc.SetXattr(ctx, alice(), path, "user.color", base64.StdEncoding.EncodeToString([]byte("blue")))
	if err != nil {
		t.Skipf("user xattrs unavailable on the temp filesystem: %v", err)
	}

	attrs, err := f.svc.ListXattrs(ctx, alice(), path)
	require.NoError(t, err)
	assert.Contains(t, attrs, Xattr{Key: "user.color", Base64: base64.StdEncoding.EncodeToString([]byte("blue"))})

	require.NoError(t, f.svc.RemoveXattr(ctx, alice(), path, "user.color"))
	attrs, err = f.svc.ListXattrs(ctx, alice(), path)
	require.NoError(t, err)
	assert.NotContains(t, attrs, Xattr{Key: "user.color", Base64: base64.StdEncoding.EncodeToString([]byte("blue"))})

	err = f.svc.RemoveXattr(ctx, alice(), path, "user.color")
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))

	err = f.svc.SetXattr(ctx, alice(), path, "", "Ymx1ZQ==")
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))

	err = f.svc.SetXattr(ctx, alice(), "/docs/repo", "user.color", "Ymx1ZQ==")
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
}
