package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/host"
	"github.com/cuongbtq/neptis/internal/quota"
	"github.com/google/uuid"
)

// resizePlan is the validated change for one image of a volume
type resizePlan struct {
	class      quota.Class
	image      string
	mountpoint string
	target     int64
	delta      int64
}

func (p resizePlan) grow() bool {
	return p.delta > 0
}

// checkPairQuota validates the user's totals once a new volume with the
// requested sizes is added to volumes.
func (m *Manager) checkPairQuota(caller *domain.User, volumes []domain.Volume, dataBytes, repoBytes int64) error {
	return quota.CheckPairLimit(caller,
		quota.Total(volumes, quota.Data, dataBytes),
		quota.Total(volumes, quota.Repo, repoBytes),
	)
}

func (m *Manager) resize(ctx context.Context, caller *domain.User, v *domain.Volume, dataBytes, repoBytes int64) (_ *domain.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordVolumeOp("resize", err, time.Since(start)) }()

	if v.Locked {
		return nil, domain.BadRequest("Volume is locked")
	}
	if err := m.checkFloor(dataBytes, repoBytes); err != nil {
		return nil, err
	}

	plans := []resizePlan{
		{class: quota.Data, image: v.DataImgPath, mountpoint: v.DataMntPath, target: dataBytes, delta: dataBytes - v.DataMaxBytes},
		{class: quota.Repo, image: v.RepoImgPath, mountpoint: v.RepoMntPath, target: repoBytes, delta: repoBytes - v.RepoMaxBytes},
	}
	for _, p := range plans {
		if p.delta == 0 {
			return nil, domain.BadRequest("No modification is necessary")
		}
	}

	volumes, err := m.store.ListVolumes(ctx, v.OwnedBy)
	if err != nil {
		return nil, err
	}
	// Each class is charged only its own delta against the current allocation.
	for _, p := range plans {
		if err := quota.CheckSingleLimit(caller, quota.Aggregate(volumes, p.class), p.delta, p.class); err != nil {
			return nil, err
		}
	}

	if err := m.EnsureMounted(ctx, v, false); err != nil {
		return nil, err
	}

	for _, p := range plans {
		if err := m.validatePlan(ctx, p); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Resizing volume",
		slog.String("owner", v.OwnedBy),
		slog.String("volume", v.Name),
		slog.Int64("data_bytes", dataBytes),
		slog.Int64("repo_bytes", repoBytes),
	)

	for _, p := range plans {
		if p.class == quota.Repo && hasEntries(v.RepoViewDir()) {
			if err := m.run(ctx, "umount", v.RepoViewDir()); err != nil {
				return nil, domain.Internal("Failed to unmount the repository view", err)
			}
		}
		if err := m.resizeImage(ctx, p); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	updated := *v
	updated.DataMaxBytes = dataBytes
	updated.RepoMaxBytes = repoBytes
	updated.DataAccessed = now
	updated.RepoAccessed = now
	if err := m.store.UpdateVolumeSize(ctx, &updated); err != nil {
		return nil, err
	}

	m.logger.Info("Volume resized",
		slog.String("owner", v.OwnedBy),
		slog.String("volume", v.Name),
	)
	return &updated, nil
}

// validatePlan rejects shrinking below used bytes and growing past host free space
func (m *Manager) validatePlan(ctx context.Context, p resizePlan) error {
	if p.grow() {
		du, err := host.GetDiskUsage(ctx, m.runner, filepath.Dir(p.image))
		if err != nil {
			return domain.Internal("Failed to query host free space", err)
		}
		if p.delta > du.Avail {
			return domain.BadRequest(fmt.Sprintf("Not enough space on host to grow the %s image: %d bytes requested, %d available", p.class, p.delta, du.Avail))
		}
		return nil
	}

	du, err := host.GetDiskUsage(ctx, m.runner, p.mountpoint)
	if err != nil {
		return domain.Internal("Failed to query volume usage", err)
	}
	if p.target < du.Used {
		return domain.BadRequest(fmt.Sprintf("Cannot shrink the %s image below its used size of %d bytes", p.class, du.Used))
	}
	return nil
}

// resizeImage unmounts, checks and resizes one image, then proves it still
// mounts by mounting it on a scratch directory. The image is left unmounted.
func (m *Manager) resizeImage(ctx context.Context, p resizePlan) error {
	mounted, err := m.mounts.IsMounted(ctx, p.image, p.mountpoint)
	if err != nil {
		return domain.Internal("Failed to read the mount table", err)
	}
	if mounted {
		if err := m.run(ctx, "umount", p.mountpoint); err != nil {
			return domain.Internal("Failed to unmount volume", err)
		}
	}

	if err := m.run(ctx, "e2fsck", "-f", "-y", p.image); err != nil {
		return domain.Internal("Filesystem check failed", err)
	}

	if p.grow() {
		if err := m.run(ctx, "fallocate", "-l", fmt.Sprint(p.target), p.image); err != nil {
			return domain.Internal("Failed to allocate image", err)
		}
		if err := m.run(ctx, "e2fsck", "-f", "-y", p.image); err != nil {
			return domain.Internal("Filesystem check failed", err)
		}
		if err := m.run(ctx, "resize2fs", p.image); err != nil {
			return domain.Internal("Failed to grow filesystem", err)
		}
	} else {
		blockSize, err := host.GetBlockSize(ctx, m.runner, p.image)
		if err != nil {
			return domain.Internal("Failed to read filesystem block size", err)
		}
		blocks := p.target / blockSize
		if err := m.run(ctx, "resize2fs", p.image, fmt.Sprint(blocks)); err != nil {
			return domain.Internal("Failed to shrink filesystem", err)
		}
		if err := m.run(ctx, "e2fsck", "-f", "-y", p.image); err != nil {
			return domain.Internal("Filesystem check failed", err)
		}
	}

	scratch := filepath.Join(m.cfg.ScratchDir, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o777); err != nil {
		return domain.Internal("Failed to create scratch directory", err)
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove scratch directory",
				slog.String("dir", scratch),
				slog.Any("error", err),
			)
		}
	}()

	if err := m.run(ctx, "mount", "-o", "rw,sync,loop", p.image, scratch); err != nil {
		return domain.Internal("Resized image does not mount", err)
	}
	if err := m.run(ctx, "umount", scratch); err != nil {
		return domain.Internal("Failed to unmount scratch directory", err)
	}
	return nil
}
