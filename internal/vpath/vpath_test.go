package vpath

import (
	"testing"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVolume() *domain.Volume {
	return &domain.Volume{
		OwnedBy:     "alice",
		Name:        "vol",
		DataMntPath: "/srv/data/vol-alice-DATA",
		RepoMntPath: "/srv/repo/vol-alice-REPO",
	}
}

func TestToPhysical(t *testing.T) {
	tests := []struct {
		name         string
		rel          string
		wantPath     string
		wantWritable bool
		wantErr      bool
	}{
		{name: "data root", rel: "data", wantPath: "/srv/data/vol-alice-DATA", wantWritable: true},
		{name: "data root trailing slash", rel: "/data/", wantPath: "/srv/data/vol-alice-DATA", wantWritable: true},
		{name: "data file", rel: "data/docs/a.txt", wantPath: "/srv/data/vol-alice-DATA/docs/a.txt", wantWritable: true},
		{name: "repo root is read-only", rel: "repo", wantPath: "/srv/repo/vol-alice-REPO/repo-mnt", wantWritable: false},
		{name: "repo root with slash is read-only", rel: "repo/", wantPath: "/srv/repo/vol-alice-REPO/repo-mnt", wantWritable: false},
		{name: "repo subpath is writable", rel: "repo/x", wantPath: "/srv/repo/vol-alice-REPO/repo-mnt/x", wantWritable: true},
		{name: "repo subpath collapsing to root", rel: "repo/x/..", wantPath: "/srv/repo/vol-alice-REPO/repo-mnt", wantWritable: false},
		{name: "empty", rel: "", wantErr: true},
		{name: "only slashes", rel: "///", wantErr: true},
		{name: "unknown prefix", rel: "snapshots/a", wantErr: true},
		{name: "escape attempt", rel: "data/../../etc/passwd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ToPhysical(tt.rel, testVolume())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, res.Path)
			assert.Equal(t, tt.wantWritable, res.Writable)
		})
	}
}

func TestToVirtual(t *testing.T) {
	tests := []struct {
		name     string
		physical string
		expected string
		wantErr  bool
	}{
		{name: "data root", physical: "/srv/data/vol-alice-DATA", expected: "/vol/data"},
		{name: "data file", physical: "/srv/data/vol-alice-DATA/docs/a.txt", expected: "/vol/data/docs/a.txt"},
		{name: "repo view", physical: "/srv/repo/vol-alice-REPO/repo-mnt/snapshots", expected: "/vol/repo/snapshots"},
		{name: "raw repository is not exposed", physical: "/srv/repo/vol-alice-REPO/repo/config", wantErr: true},
		{name: "sibling prefix", physical: "/srv/data/vol-alice-DATA2/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToVirtual(tt.physical, testVolume())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	v := testVolume()
	for _, rel := range []string{"data/a/b", "repo/snapshots/latest"} {
		res, err := ToPhysical(rel, v)
		require.NoError(t, err)

		virtual, err := ToVirtual(res.Path, v)
		require.NoError(t, err)
		assert.Equal(t, "/vol/"+rel, virtual)
	}
}

func TestSplit(t *testing.T) {
	name, rest, err := Split("/vol/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "vol", name)
	assert.Equal(t, "data/a.txt", rest)

	name, rest, err = Split("vol/")
	require.NoError(t, err)
	assert.Equal(t, "vol", name)
	assert.Empty(t, rest)

	_, _, err = Split("/")
	require.Error(t, err)
}

func TestHidden(t *testing.T) {
	v := testVolume()
	assert.True(t, Hidden("/vol/data/lost+found", v))
	assert.True(t, Hidden("/vol/data/lost+found/#123", v))
	assert.False(t, Hidden("/vol/data/lost+found2", v))
	assert.False(t, Hidden("/vol/repo/lost+found", v))
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 1, Depth("/"))
	assert.Equal(t, 1, Depth("/vol"))
	assert.Equal(t, 3, Depth("/vol/data/a"))
}
