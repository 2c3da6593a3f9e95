// Package volume manages the physical lifecycle of user volumes: a pair of
// ext4 loopback images, one for data and one holding the backup repository.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/engine"
	"github.com/cuongbtq/neptis/internal/host"
	"github.com/sethvargo/go-password/password"
)

const (
	// DefaultMinAllocation is the smallest image size accepted for either class
	DefaultMinAllocation int64 = 5_000_000

	// DefaultViewGracePeriod is how long the repository view gets to appear
	DefaultViewGracePeriod = 2 * time.Second

	passphraseLength = 8
	passphraseDigits = 2
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.]*$`)

// Store is the persistence the manager needs
type Store interface {
	GetVolume(ctx context.Context, owner, name string) (*domain.Volume, error)
	ListVolumes(ctx context.Context, owner string) ([]domain.Volume, error)
	CreateVolume(ctx context.Context, v *domain.Volume) error
	UpdateVolumeSize(ctx context.Context, v *domain.Volume) error
	DeleteVolume(ctx context.Context, owner, name string) (int64, error)
}

// Recorder receives operation timings
type Recorder interface {
	RecordVolumeOp(op string, err error, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordVolumeOp(string, error, time.Duration) {}

// Config holds the host layout of volumes
type Config struct {
	DataDir         string
	RepoDir         string
	ScratchDir      string
	MinAllocation   int64
	ViewGracePeriod time.Duration
}

// Deps holds the collaborators of a Manager
type Deps struct {
	Store   Store
	Runner  host.Runner
	Mounts  host.MountTable
	Engine  engine.Engine
	Locks   *LockManager
	Logger  *slog.Logger
	Metrics Recorder
}

// Info is a volume together with its current usage
type Info struct {
	Volume domain.Volume
	Usage  domain.VolumeUsage
}

// Manager owns the volume state machine
type Manager struct {
	cfg     Config
	store   Store
	runner  host.Runner
	mounts  host.MountTable
	engine  engine.Engine
	locks   *LockManager
	logger  *slog.Logger
	metrics Recorder

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	passphrase func() (string, error)
}

// NewManager creates a volume manager
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MinAllocation <= 0 {
		cfg.MinAllocation = DefaultMinAllocation
	}
	if cfg.ViewGracePeriod <= 0 {
		cfg.ViewGracePeriod = DefaultViewGracePeriod
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = cfg.DataDir
	}

	m := &Manager{
		cfg:     cfg,
		store:   deps.Store,
		runner:  deps.Runner,
		mounts:  deps.Mounts,
		engine:  deps.Engine,
		locks:   deps.Locks,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
		sleep:   sleepContext,
	}
	if m.locks == nil {
		m.locks = NewLockManager()
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	m.passphrase = generatePassphrase
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generatePassphrase returns 8 characters of digits and mixed-case letters
// without look-alike characters.
func generatePassphrase() (string, error) {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: "abcdefghijkmnopqrstuvwxyz",
		UpperLetters: "ABCDEFGHJKLMNPQRSTUVWXYZ",
		Digits:       "23456789",
	})
	if err != nil {
		return "", err
	}
	return gen.Generate(passphraseLength, passphraseDigits, 0, false, true)
}

// Lease takes the advisory lock of a volume. The returned func releases it.
func (m *Manager) Lease(v *domain.Volume) (func(), error) {
	return m.acquire(v.OwnedBy, v.Name)
}

func (m *Manager) acquire(owner, name string) (func(), error) {
	key := owner + "/" + name
	if !m.locks.TryLock(key) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrVolumeBusy)
	}
	return func() { m.locks.Unlock(key) }, nil
}

// Get returns one volume of owner with its used bytes when mounted
func (m *Manager) Get(ctx context.Context, caller *domain.User, owner, name string) (*Info, error) {
	if !caller.CanAccess(owner) {
		return nil, domain.Unauthorized("You are not allowed to access this volume")
	}

	v, err := m.store.GetVolume(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	return &Info{Volume: *v, Usage: m.usage(ctx, v)}, nil
}

// List returns every volume of the caller
func (m *Manager) List(ctx context.Context, caller *domain.User) ([]Info, error) {
	volumes, err := m.store.ListVolumes(ctx, caller.UserName)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, len(volumes))
	for i := range volumes {
		infos[i] = Info{Volume: volumes[i], Usage: m.usage(ctx, &volumes[i])}
	}
	return infos, nil
}

// Volumes returns the raw volume rows of owner
func (m *Manager) Volumes(ctx context.Context, owner string) ([]domain.Volume, error) {
	return m.store.ListVolumes(ctx, owner)
}

func (m *Manager) usage(ctx context.Context, v *domain.Volume) domain.VolumeUsage {
	var usage domain.VolumeUsage
	if used, ok := m.usedBytes(ctx, v.DataImgPath, v.DataMntPath); ok {
		usage.DataUsedBytes = &used
	}
	if used, ok := m.usedBytes(ctx, v.RepoImgPath, v.RepoMntPath); ok {
		usage.RepoUsedBytes = &used
	}
	return usage
}

func (m *Manager) usedBytes(ctx context.Context, image, mountpoint string) (int64, bool) {
	mounted, err := m.mounts.IsMounted(ctx, image, mountpoint)
	if err != nil || !mounted {
		return 0, false
	}
	du, err := host.GetDiskUsage(ctx, m.runner, mountpoint)
	if err != nil {
		m.logger.Warn("Failed to read volume usage",
			slog.String("mountpoint", mountpoint),
			slog.Any("error", err),
		)
		return 0, false
	}
	return du.Used, true
}

// Put provisions a new volume or, when (caller, name) already exists, resizes it
func (m *Manager) Put(ctx context.Context, caller *domain.User, name string, dataBytes, repoBytes int64) (*domain.Volume, error) {
	if !validName.MatchString(name) || !validName.MatchString(caller.UserName) {
		return nil, domain.BadRequest("Volume and user names may only contain letters, digits, '_' and '.'")
	}

	release, err := m.acquire(caller.UserName, name)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := m.store.GetVolume(ctx, caller.UserName, name)
	switch {
	case err == nil:
		return m.resize(ctx, caller, existing, dataBytes, repoBytes)
	case errors.Is(err, domain.ErrVolumeNotFound):
		return m.provision(ctx, caller, name, dataBytes, repoBytes)
	default:
		return nil, err
	}
}

func (m *Manager) checkFloor(dataBytes, repoBytes int64) error {
	if dataBytes < m.cfg.MinAllocation || repoBytes < m.cfg.MinAllocation {
		return domain.BadRequest(fmt.Sprintf("Each image must be at least %d bytes", m.cfg.MinAllocation))
	}
	return nil
}

func (m *Manager) newVolume(owner, name string, dataBytes, repoBytes int64) *domain.Volume {
	now := m.now().UTC()
	prefix := name + "-" + owner
	return &domain.Volume{
		OwnedBy:      owner,
		Name:         name,
		DataImgPath:  filepath.Join(m.cfg.DataDir, prefix+"-DATA.img"),
		DataMntPath:  filepath.Join(m.cfg.DataDir, prefix+"-DATA"),
		RepoImgPath:  filepath.Join(m.cfg.RepoDir, prefix+"-REPO.img"),
		RepoMntPath:  filepath.Join(m.cfg.RepoDir, prefix+"-REPO"),
		DataMaxBytes: dataBytes,
		RepoMaxBytes: repoBytes,
		DateCreated:  now,
		DataAccessed: now,
		RepoAccessed: now,
	}
}

// pair is one of the two images of a volume
type pair struct {
	image      string
	mountpoint string
}

func pairsOf(v *domain.Volume) []pair {
	return []pair{
		{image: v.DataImgPath, mountpoint: v.DataMntPath},
		{image: v.RepoImgPath, mountpoint: v.RepoMntPath},
	}
}

func repositoryOf(v *domain.Volume) engine.Repository {
	return engine.Repository{Path: v.RepoDir(), Password: v.RepoPassword}
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	_, err := m.runner.Run(ctx, host.Cmd(name, args...))
	return err
}

func (m *Manager) provision(ctx context.Context, caller *domain.User, name string, dataBytes, repoBytes int64) (v *domain.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordVolumeOp("provision", err, time.Since(start)) }()

	if err := m.checkFloor(dataBytes, repoBytes); err != nil {
		return nil, err
	}

	existing, err := m.store.ListVolumes(ctx, caller.UserName)
	if err != nil {
		return nil, err
	}
	if err := m.checkPairQuota(caller, existing, dataBytes, repoBytes); err != nil {
		return nil, err
	}

	for _, req := range []struct {
		dir   string
		bytes int64
	}{
		{dir: m.cfg.DataDir, bytes: dataBytes},
		{dir: m.cfg.RepoDir, bytes: repoBytes},
	} {
		du, err := host.GetDiskUsage(ctx, m.runner, req.dir)
		if err != nil {
			return nil, domain.Internal("Failed to query host free space", err)
		}
		if req.bytes > du.Avail {
			return nil, domain.BadRequest(fmt.Sprintf("Not enough space on host: %d bytes requested, %d available", req.bytes, du.Avail))
		}
	}

	v = m.newVolume(caller.UserName, name, dataBytes, repoBytes)
	v.RepoPassword, err = m.passphrase()
	if err != nil {
		return nil, domain.Internal("Failed to generate repository passphrase", err)
	}

	m.logger.Info("Provisioning volume",
		slog.String("owner", v.OwnedBy),
		slog.String("volume", v.Name),
		slog.Int64("data_bytes", dataBytes),
		slog.Int64("repo_bytes", repoBytes),
	)

	for _, p := range pairsOf(v) {
		if err := os.MkdirAll(p.mountpoint, 0o777); err != nil {
			return nil, domain.Internal("Failed to create mount directory", err)
		}
	}

	for _, img := range []struct {
		path  string
		bytes int64
	}{
		{path: v.DataImgPath, bytes: dataBytes},
		{path: v.RepoImgPath, bytes: repoBytes},
	} {
		if err := m.run(ctx, "fallocate", "-l", fmt.Sprint(img.bytes), img.path); err != nil {
			return nil, domain.Internal("Failed to allocate image", err)
		}
		if err := m.run(ctx, "mkfs.ext4", "-q", "-F", img.path); err != nil {
			return nil, domain.Internal("Failed to format image", err)
		}
		if err := m.run(ctx, "chmod", "777", img.path); err != nil {
			return nil, domain.Internal("Failed to set image permissions", err)
		}
	}

	if err := m.EnsureMounted(ctx, v, false); err != nil {
		return nil, err
	}

	if err := m.engine.InitRepository(ctx, repositoryOf(v)); err != nil {
		return nil, domain.Internal("Failed to initialize the repository", err)
	}

	if err := m.store.CreateVolume(ctx, v); err != nil {
		return nil, err
	}

	m.logger.Info("Volume provisioned",
		slog.String("owner", v.OwnedBy),
		slog.String("volume", v.Name),
	)
	return v, nil
}

// EnsureMounted mounts both images if needed and, with needView, the
// repository view. Calling it on a mounted volume runs no mount command.
func (m *Manager) EnsureMounted(ctx context.Context, v *domain.Volume, needView bool) error {
	for _, p := range pairsOf(v) {
		if p.image == "" || p.mountpoint == "" {
			return domain.BadRequest("Volume paths are not set")
		}
	}

	for _, p := range pairsOf(v) {
		if _, err := os.Stat(p.image); err != nil {
			return domain.Internal("Volume is corrupted", err)
		}
	}

	for _, p := range pairsOf(v) {
		if err := m.mountImage(ctx, p); err != nil {
			return err
		}
	}

	if needView {
		return m.ensureView(ctx, v)
	}
	return nil
}

func (m *Manager) mountImage(ctx context.Context, p pair) error {
	if err := os.MkdirAll(p.mountpoint, 0o777); err != nil {
		return domain.Internal("Failed to create mount directory", err)
	}

	mounted, err := m.mounts.IsMounted(ctx, p.image, p.mountpoint)
	if err != nil {
		return domain.Internal("Failed to read the mount table", err)
	}
	if mounted {
		return nil
	}

	m.logger.Debug("Mounting image",
		slog.String("image", p.image),
		slog.String("mountpoint", p.mountpoint),
	)

	if err := m.run(ctx, "mount", "-o", "rw,sync,loop", p.image, p.mountpoint); err != nil {
		return domain.Internal("Failed to mount volume", err)
	}
	if err := m.run(ctx, "chmod", "777", p.mountpoint); err != nil {
		return domain.Internal("Failed to set mount permissions", err)
	}
	if err := m.run(ctx, "chmod", "777", p.image); err != nil {
		return domain.Internal("Failed to set image permissions", err)
	}

	mounted, err = m.mounts.IsMounted(ctx, p.image, p.mountpoint)
	if err != nil {
		return domain.Internal("Failed to read the mount table", err)
	}
	if !mounted {
		return domain.Internal("Failed to mount volume", fmt.Errorf("%s is not mounted at %s", p.image, p.mountpoint))
	}
	return nil
}

func (m *Manager) ensureView(ctx context.Context, v *domain.Volume) error {
	if _, err := os.Stat(v.RepoDir()); err != nil {
		return domain.Internal("Repository is corrupted", err)
	}

	view := v.RepoViewDir()
	if err := os.MkdirAll(view, 0o777); err != nil {
		return domain.Internal("Failed to create the repository view directory", err)
	}
	if hasEntries(view) {
		return nil
	}

	repo := repositoryOf(v)
	logger := m.logger.With(slog.String("volume", v.Key()))
	go func() {
		// The view lives until it is unmounted, not for the request.
		if err := m.engine.MountView(context.Background(), repo, view); err != nil {
			logger.Warn("Repository view exited", slog.Any("error", err))
		}
	}()

	if err := m.sleep(ctx, m.cfg.ViewGracePeriod); err != nil {
		return domain.Internal("Interrupted while mounting the repository view", err)
	}
	if !hasEntries(view) {
		return domain.Timeout("Failed to mount the repository view")
	}
	return nil
}

func hasEntries(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()

	names, _ := f.Readdirnames(1)
	return len(names) > 0
}

// Delete removes the volume row, then unmounts and removes its files.
// A failure after the row is gone leaves orphaned files behind.
func (m *Manager) Delete(ctx context.Context, caller *domain.User, owner, name string) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordVolumeOp("delete", err, time.Since(start)) }()

	if !caller.CanAccess(owner) {
		return domain.Unauthorized("You are not allowed to delete this volume")
	}

	release, err := m.acquire(owner, name)
	if err != nil {
		return err
	}
	defer release()

	v, err := m.store.GetVolume(ctx, owner, name)
	if err != nil {
		return err
	}
	if v.Locked {
		return domain.BadRequest("Volume is locked")
	}

	n, err := m.store.DeleteVolume(ctx, owner, name)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.BadRequest("Volume does not exist")
	}

	if hasEntries(v.RepoViewDir()) {
		if err := m.run(ctx, "umount", v.RepoViewDir()); err != nil {
			return domain.Internal("Failed to unmount the repository view", err)
		}
	}

	for _, p := range pairsOf(v) {
		mounted, err := m.mounts.IsMounted(ctx, p.image, p.mountpoint)
		if err != nil {
			return domain.Internal("Failed to read the mount table", err)
		}
		if mounted {
			if err := m.run(ctx, "umount", p.mountpoint); err != nil {
				return domain.Internal("Failed to unmount volume", err)
			}
		}
		if err := os.Remove(p.mountpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
			return domain.Internal("Failed to remove mount directory", err)
		}
		if err := os.Remove(p.image); err != nil && !errors.Is(err, os.ErrNotExist) {
			return domain.Internal("Failed to remove image", err)
		}
	}

	m.logger.Info("Volume deleted",
		slog.String("owner", owner),
		slog.String("volume", name),
	)
	return nil
}
