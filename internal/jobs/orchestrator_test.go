package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/engine"
	"github.com/cuongbtq/neptis/internal/storage"
	"github.com/cuongbtq/neptis/internal/volume"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type memStore struct {
	mu       sync.Mutex
	volumes  map[string]domain.Volume
	jobs     map[uuid.UUID]domain.Job
	history  map[uuid.UUID][]int64
	finishes int
	results  []storage.JobResult
}

func newMemStore(volumes ...domain.Volume) *memStore {
	s := &memStore{
		volumes: make(map[string]domain.Volume),
		jobs:    make(map[uuid.UUID]domain.Job),
		history: make(map[uuid.UUID][]int64),
	}
	for _, v := range volumes {
		s.volumes[v.Key()] = v
	}
	return s
}

func (s *memStore) GetVolume(_ context.Context, owner, name string) (*domain.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[owner+"/"+name]
	if !ok {
		return nil, domain.ErrVolumeNotFound
	}
	return &v, nil
}

func (s *memStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (s *memStore) ListJobs(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.PointOwnedBy == filter.Owner && j.PointName == filter.Name {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreateDate.After(out[k].CreateDate) })
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *memStore) AddJobUsedBytes(_ context.Context, id uuid.UUID, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.JobStatus != domain.JobStatusRunning {
		return nil
	}
	job.UsedBytes += n
	s.jobs[id] = job
	s.history[id] = append(s.history[id], job.UsedBytes)
	return nil
}

func (s *memStore) SetJobTotalBytes(_ context.Context, id uuid.UUID, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.JobStatus != domain.JobStatusRunning {
		return nil
	}
	job.TotalBytes = &n
	s.jobs[id] = job
	return nil
}

func (s *memStore) FinishJob(_ context.Context, id uuid.UUID, res storage.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.JobStatus != domain.JobStatusRunning {
		return domain.ErrJobNotFound
	}
	s.finishes++
	s.results = append(s.results, res)
	job.JobStatus = res.Status
	end := res.EndDate
	job.EndDate = &end
	if res.SnapshotID != nil {
		job.SnapshotID = res.SnapshotID
	}
	if res.UsedBytes != nil {
		job.UsedBytes = *res.UsedBytes
	}
	if res.Error != "" {
		job.Errors = append(job.Errors, res.Error)
	}
	s.jobs[id] = job
	return nil
}

type fakeVolumes struct {
	locks     *volume.LockManager
	mountErr  error
	mountCall int
	mu        sync.Mutex
}

func (f *fakeVolumes) EnsureMounted(context.Context, *domain.Volume, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountCall++
	return f.mountErr
}

func (f *fakeVolumes) Lease(v *domain.Volume) (func(), error) {
	if !f.locks.TryLock(v.Key()) {
		return nil, domain.ErrVolumeBusy
	}
	return func() { f.locks.Unlock(v.Key()) }, nil
}

type blockingEngine struct {
	proceed  chan struct{}
	err      error
	snapshot *engine.Snapshot
	restores chan engine.RestorePlan
}

func (e *blockingEngine) InitRepository(context.Context, engine.Repository) error { return nil }

func (e *blockingEngine) Backup(_ context.Context, _ engine.Repository, _ engine.BackupOptions, _ []string, sink engine.ProgressSink) (*engine.Snapshot, error) {
	<-e.proceed
	sink.SetTitle("backup")
	sink.SetLength(100)
	for i := 0; i < 5; i++ {
		sink.Increment(10)
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.snapshot != nil {
		return e.snapshot, nil
	}
	return &engine.Snapshot{ID: "9f3e2a1b", TotalBytesProcessed: 50}, nil
}

func (e *blockingEngine) Restore(_ context.Context, _ engine.Repository, plan engine.RestorePlan, sink engine.ProgressSink) error {
	<-e.proceed
	sink.Increment(7)
	e.restores <- plan
	return e.err
}

func (e *blockingEngine) MountView(context.Context, engine.Repository, string) error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, ev domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) statuses() []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.JobStatus
	for _, ev := range p.events {
		out = append(out, ev.JobStatus)
	}
	return out
}

type orchestratorEnv struct {
	orch      *Orchestrator
	store     *memStore
	volumes   *fakeVolumes
	engine    *blockingEngine
	publisher *recordingPublisher
	relay     *Relay
	volume    domain.Volume
}

func newOrchestratorEnv(t *testing.T) *orchestratorEnv {
	t.Helper()

	v := domain.Volume{
		OwnedBy:      "alice",
		Name:         "v1",
		DataMntPath:  "/srv/data/v1-alice-DATA",
		RepoMntPath:  "/srv/repo/v1-alice-REPO",
		RepoPassword: "s3cretPw",
	}
	store := newMemStore(v)
	relay := NewRelay(store, discardLogger(), 8)
	relay.Start(context.Background())

	env := &orchestratorEnv{
		store:     store,
		volumes:   &fakeVolumes{locks: volume.NewLockManager()},
		engine:    &blockingEngine{proceed: make(chan struct{}), restores: make(chan engine.RestorePlan, 1)},
		publisher: &recordingPublisher{},
		relay:     relay,
		volume:    v,
	}
	env.orch = NewOrchestrator(&Config{
		Store:     store,
		Volumes:   env.volumes,
		Engine:    env.engine,
		Relay:     relay,
		Publisher: env.publisher,
		Logger:    discardLogger(),
	})
	return env
}

func (e *orchestratorEnv) waitTerminal(t *testing.T, id uuid.UUID) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.GetJob(context.Background(), id)
		return err == nil && job.JobStatus.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func alice() *domain.User {
	return &domain.User{UserName: "alice"}
}

func TestLaunchBackup_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()
	ctx := context.Background()

	job, err := env.orch.LaunchBackup(ctx, alice(), BackupRequest{Name: "v1", Tags: []string{"nightly"}})
	require.NoError(t, err)

	stored, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.JobStatus)
	assert.Equal(t, domain.JobTypeBackup, stored.JobType)
	assert.Zero(t, stored.UsedBytes)
	assert.Nil(t, stored.EndDate)
	assert.Nil(t, stored.SnapshotID)

	_, err = env.volumes.Lease(&env.volume)
	assert.ErrorIs(t, err, domain.ErrVolumeBusy, "job holds the volume lease while running")

	close(env.engine.proceed)
	done := env.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStatusSuccessful, done.JobStatus)
	require.NotNil(t, done.EndDate)
	require.NotNil(t, done.SnapshotID)
	assert.Equal(t, "9f3e2a1b", *done.SnapshotID)
	assert.Equal(t, int64(50), done.UsedBytes)
	require.NotNil(t, done.TotalBytes)
	assert.Equal(t, int64(100), *done.TotalBytes)
	assert.Empty(t, done.Errors)

	history := env.store.history[job.ID]
	assert.True(t, sort.SliceIsSorted(history, func(i, k int) bool { return history[i] < history[k] }))

	require.Eventually(t, func() bool {
		release, err := env.volumes.Lease(&env.volume)
		if err != nil {
			return false
		}
		release()
		return true
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(env.publisher.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.JobStatus{domain.JobStatusRunning, domain.JobStatusSuccessful}, env.publisher.statuses())
	assert.Equal(t, 1, env.store.finishes)
}

func TestLaunchBackup_DryRunStoresNoSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()

	env.engine.snapshot = &engine.Snapshot{TotalBytesProcessed: 50}
	close(env.engine.proceed)

	job, err := env.orch.LaunchBackup(context.Background(), alice(), BackupRequest{Name: "v1", DryRun: true})
	require.NoError(t, err)
	require.NoError(t, env.orch.Wait(context.Background()))

	done, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuccessful, done.JobStatus)
	assert.Nil(t, done.SnapshotID)
	assert.Equal(t, int64(50), done.UsedBytes)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	require.Len(t, env.store.results, 1)
	assert.Nil(t, env.store.results[0].SnapshotID)
}

func TestOrchestrator_WaitForRunningJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()

	job, err := env.orch.LaunchBackup(context.Background(), alice(), BackupRequest{Name: "v1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.orch.Wait(ctx), context.DeadlineExceeded)

	close(env.engine.proceed)
	require.NoError(t, env.orch.Wait(context.Background()))

	done, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuccessful, done.JobStatus)
}

func TestOrchestrator_WaitWithoutJobs(t *testing.T) {
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()

	assert.NoError(t, env.orch.Wait(context.Background()))
}

func TestLaunchBackup_EngineFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()

	env.engine.err = errors.New("repository is locked")
	close(env.engine.proceed)

	job, err := env.orch.LaunchBackup(context.Background(), alice(), BackupRequest{Name: "v1"})
	require.NoError(t, err)

	done := env.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, done.JobStatus)
	require.NotNil(t, done.EndDate)
	assert.Nil(t, done.SnapshotID)
	assert.Equal(t, []string{"repository is locked"}, []string(done.Errors))
}

func TestLaunchBackup_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		caller   *domain.User
		req      BackupRequest
		prepare  func(env *orchestratorEnv)
		wantKind domain.Kind
	}{
		{
			name:     "other owner",
			caller:   &domain.User{UserName: "bob"},
			req:      BackupRequest{Owner: "alice", Name: "v1"},
			wantKind: domain.KindUnauthorized,
		},
		{
			name:     "missing volume",
			caller:   alice(),
			req:      BackupRequest{Name: "nope"},
			wantKind: domain.KindNotFound,
		},
		{
			name:   "volume busy",
			caller: alice(),
			req:    BackupRequest{Name: "v1"},
			prepare: func(env *orchestratorEnv) {
				env.volumes.locks.TryLock("alice/v1")
			},
			wantKind: domain.KindBadRequest,
		},
		{
			name:   "mount failure",
			caller: alice(),
			req:    BackupRequest{Name: "v1"},
			prepare: func(env *orchestratorEnv) {
				env.volumes.mountErr = domain.Internal("Failed to mount volume", errors.New("exit status 32"))
			},
			wantKind: domain.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrchestratorEnv(t)
			defer env.relay.Stop()
			if tt.prepare != nil {
				tt.prepare(env)
			}

			_, err := env.orch.LaunchBackup(context.Background(), tt.caller, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
			assert.Empty(t, env.store.jobs)
		})
	}
}

func TestLaunchBackup_AdminTargetsOtherOwner(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()
	close(env.engine.proceed)

	admin := &domain.User{UserName: "root", IsAdmin: true}
	job, err := env.orch.LaunchBackup(context.Background(), admin, BackupRequest{Owner: "alice", Name: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", job.PointOwnedBy)

	env.waitTerminal(t, job.ID)
}

func TestLaunchRestore(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()
	ctx := context.Background()

	tests := []struct {
		name    string
		req     RestoreRequest
		wantMsg string
	}{
		{name: "no snapshot", req: RestoreRequest{Name: "v1", Target: "/v1/data"}, wantMsg: "snapshot"},
		{name: "other volume", req: RestoreRequest{Name: "v1", Snapshot: "latest", Target: "/v2/data"}, wantMsg: "inside the volume"},
		{name: "read-only repo root", req: RestoreRequest{Name: "v1", Snapshot: "latest", Target: "/v1/repo"}, wantMsg: "read-only"},
		{name: "empty target", req: RestoreRequest{Name: "v1", Snapshot: "latest"}, wantMsg: "Bad path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.LaunchRestore(ctx, alice(), tt.req)
			require.Error(t, err)
			assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
			assert.Contains(t, domain.Message(err), tt.wantMsg)
		})
	}

	job, err := env.orch.LaunchRestore(ctx, alice(), RestoreRequest{
		Name:     "v1",
		Snapshot: "9f3e2a1b:/docs",
		Target:   "/v1/data/restored",
	})
	require.NoError(t, err)
	require.NotNil(t, job.SnapshotID)
	assert.Equal(t, "9f3e2a1b:/docs", *job.SnapshotID)
	assert.Equal(t, domain.JobTypeRestore, job.JobType)

	close(env.engine.proceed)
	plan := <-env.engine.restores
	assert.Equal(t, "/srv/data/v1-alice-DATA/restored", plan.Target)
	assert.Equal(t, "9f3e2a1b:/docs", plan.Snapshot)

	done := env.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusSuccessful, done.JobStatus)
	assert.Equal(t, int64(7), done.UsedBytes)
	assert.Equal(t, "9f3e2a1b:/docs", *done.SnapshotID)
}

func TestGetJob_Visibility(t *testing.T) {
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, env.store.CreateJob(ctx, &domain.Job{ID: id, PointOwnedBy: "alice", PointName: "v1", JobStatus: domain.JobStatusSuccessful}))

	job, err := env.orch.GetJob(ctx, alice(), id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	_, err = env.orch.GetJob(ctx, &domain.User{UserName: "bob"}, id)
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))

	_, err = env.orch.GetJob(ctx, &domain.User{UserName: "root", IsAdmin: true}, id)
	assert.NoError(t, err)

	_, err = env.orch.GetJob(ctx, alice(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListJobs_Pagination(t *testing.T) {
	env := newOrchestratorEnv(t)
	defer env.relay.Stop()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, env.store.CreateJob(ctx, &domain.Job{
			ID:           id,
			PointOwnedBy: "alice",
			PointName:    "v1",
			CreateDate:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	jobs, next, err := env.orch.ListJobs(ctx, alice(), domain.JobFilter{Name: "v1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
	require.NotNil(t, next)
	assert.Equal(t, ids[1], next.ID)
	assert.Equal(t, base.Add(time.Minute), next.CreateDate)

	jobs, next, err = env.orch.ListJobs(ctx, alice(), domain.JobFilter{Name: "v1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Nil(t, next)

	_, _, err = env.orch.ListJobs(ctx, &domain.User{UserName: "bob"}, domain.JobFilter{Owner: "alice", Name: "v1"})
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))

	_, _, err = env.orch.ListJobs(ctx, alice(), domain.JobFilter{Name: "v9"})
	assert.ErrorIs(t, err, domain.ErrVolumeNotFound)
}
