package quota

import (
	"math"
	"testing"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUser() *domain.User {
	return &domain.User{
		UserName:         "alice",
		MaxDataBytes:     50_000_000,
		MaxSnapshotBytes: 40_000_000,
	}
}

func TestCheckSingleLimit(t *testing.T) {
	tests := []struct {
		name      string
		aggregate int64
		delta     int64
		class     Class
		wantErr   bool
	}{
		{name: "data well under", aggregate: 10_000_000, delta: 10_000_000, class: Data},
		{name: "data exactly at ceiling", aggregate: 40_000_000, delta: 10_000_000, class: Data},
		{name: "data one byte over", aggregate: 40_000_000, delta: 10_000_001, class: Data, wantErr: true},
		{name: "repo uses snapshot ceiling", aggregate: 30_000_000, delta: 10_000_000, class: Repo},
		{name: "repo over snapshot ceiling", aggregate: 30_000_000, delta: 10_000_001, class: Repo, wantErr: true},
		{name: "shrink always fits", aggregate: 60_000_000, delta: -20_000_000, class: Data},
		{name: "delta that would wrap", aggregate: 10_000_000, delta: math.MaxInt64, class: Data, wantErr: true},
		{name: "saturated aggregate", aggregate: math.MaxInt64, delta: 1, class: Repo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSingleLimit(testUser(), tt.aggregate, tt.delta, tt.class)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
				assert.Contains(t, err.Error(), "Insufficient")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCheckPairLimit(t *testing.T) {
	tests := []struct {
		name      string
		dataTotal int64
		repoTotal int64
		errString string
	}{
		{name: "both under", dataTotal: 10_000_000, repoTotal: 10_000_000},
		{name: "both at boundary", dataTotal: 50_000_000, repoTotal: 40_000_000},
		{name: "data over", dataTotal: 50_000_001, repoTotal: 0, errString: "data quota"},
		{name: "repo over", dataTotal: 0, repoTotal: 40_000_001, errString: "repository quota"},
		{
			name:      "requested size that would wrap",
			dataTotal: Total([]domain.Volume{{DataMaxBytes: 10_000_000}}, Data, math.MaxInt64),
			repoTotal: 10_000_000,
			errString: "data quota",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPairLimit(testUser(), tt.dataTotal, tt.repoTotal)
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	volumes := []domain.Volume{
		{Name: "a", DataMaxBytes: 10, RepoMaxBytes: 100},
		{Name: "b", DataMaxBytes: 20, RepoMaxBytes: 200},
	}

	assert.Equal(t, int64(30), Aggregate(volumes, Data))
	assert.Equal(t, int64(300), Aggregate(volumes, Repo))
	assert.Equal(t, int64(0), Aggregate(nil, Data))
}

func TestAdd(t *testing.T) {
	assert.Equal(t, int64(30), Add(10, 20))
	assert.Equal(t, int64(-5), Add(10, -15))
	assert.Equal(t, int64(math.MaxInt64), Add(math.MaxInt64-1, 10))
	assert.Equal(t, int64(math.MinInt64), Add(math.MinInt64+1, -10))
}

func TestTotal_Saturates(t *testing.T) {
	volumes := []domain.Volume{
		{Name: "a", DataMaxBytes: math.MaxInt64, RepoMaxBytes: 1},
		{Name: "b", DataMaxBytes: 10, RepoMaxBytes: 2},
	}

	assert.Equal(t, int64(math.MaxInt64), Aggregate(volumes, Data))
	assert.Equal(t, int64(math.MaxInt64), Total(volumes, Data, 1))
	assert.Equal(t, int64(math.MaxInt64), Total(volumes[1:], Repo, math.MaxInt64))
	assert.Equal(t, int64(13), Total(volumes, Repo, 10))
}
