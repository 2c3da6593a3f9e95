// Package jobs launches backup and restore jobs against volumes and relays
// their progress into the job records.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/cuongbtq/neptis/internal/engine"
	"github.com/cuongbtq/neptis/internal/storage"
	"github.com/cuongbtq/neptis/internal/vpath"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	// DefaultPageSize is used when a listing asks for no page size
	DefaultPageSize = 20
	// MaxPageSize caps a single listing page
	MaxPageSize = 100

	finishTimeout = 30 * time.Second
)

// Store is the job persistence the orchestrator needs
type Store interface {
	GetVolume(ctx context.Context, owner, name string) (*domain.Volume, error)
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	FinishJob(ctx context.Context, id uuid.UUID, res storage.JobResult) error
}

// Volumes mounts volumes and hands out their leases
type Volumes interface {
	EnsureMounted(ctx context.Context, v *domain.Volume, needView bool) error
	Lease(v *domain.Volume) (func(), error)
}

// Publisher announces job lifecycle changes
type Publisher interface {
	PublishJobEvent(ctx context.Context, ev domain.JobEvent) error
}

// Recorder receives job counts and durations
type Recorder interface {
	JobStarted(jobType domain.JobType)
	JobFinished(jobType domain.JobType, status domain.JobStatus, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) JobStarted(domain.JobType)                                {}
func (nopRecorder) JobFinished(domain.JobType, domain.JobStatus, time.Duration) {}

type nopPublisher struct{}

func (nopPublisher) PublishJobEvent(context.Context, domain.JobEvent) error { return nil }

// Config holds the collaborators of an Orchestrator
type Config struct {
	Store     Store
	Volumes   Volumes
	Engine    engine.Engine
	Relay     *Relay
	Publisher Publisher
	Metrics   Recorder
	Logger    *slog.Logger
}

// Orchestrator starts jobs and returns without waiting for them
type Orchestrator struct {
	store     Store
	volumes   Volumes
	engine    engine.Engine
	relay     *Relay
	publisher Publisher
	metrics   Recorder
	logger    *slog.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// NewOrchestrator creates an orchestrator. The relay must be started by the caller.
func NewOrchestrator(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		volumes:   cfg.Volumes,
		engine:    cfg.Engine,
		relay:     cfg.Relay,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}
	return o
}

// BackupRequest asks for a snapshot of a volume's data mount
type BackupRequest struct {
	Owner  string
	Name   string
	Tags   []string
	DryRun bool
}

// RestoreRequest asks for a snapshot path to be restored to a client path
type RestoreRequest struct {
	Owner    string
	Name     string
	Snapshot string
	Target   string
	DryRun   bool
}

// outcome is what an engine run reports back to the terminal write
type outcome struct {
	snapshotID *string
	usedBytes  *int64
}

type runFunc func(ctx context.Context, sink engine.ProgressSink) (outcome, error)

func (o *Orchestrator) volumeFor(ctx context.Context, caller *domain.User, owner, name string) (*domain.Volume, error) {
	if owner == "" {
		owner = caller.UserName
	}
	if !caller.CanAccess(owner) {
		return nil, domain.Unauthorized("You are not allowed to act on this volume")
	}
	return o.store.GetVolume(ctx, owner, name)
}

// LaunchBackup snapshots the data mount of a volume into its repository
func (o *Orchestrator) LaunchBackup(ctx context.Context, caller *domain.User, req BackupRequest) (*domain.Job, error) {
	v, err := o.volumeFor(ctx, caller, req.Owner, req.Name)
	if err != nil {
		return nil, err
	}

	repo := engine.Repository{Path: v.RepoDir(), Password: v.RepoPassword}
	opts := engine.BackupOptions{Tags: req.Tags, DryRun: req.DryRun}
	sources := []string{v.DataMntPath}

	return o.launch(ctx, v, domain.JobTypeBackup, nil, func(ctx context.Context, sink engine.ProgressSink) (outcome, error) {
		snap, err := o.engine.Backup(ctx, repo, opts, sources, sink)
		if err != nil {
			return outcome{}, err
		}
		processed := int64(snap.TotalBytesProcessed)
		res := outcome{usedBytes: &processed}
		// A dry run reports no snapshot.
		if snap.ID != "" {
			res.snapshotID = &snap.ID
		}
		return res, nil
	})
}

// LaunchRestore restores a snapshot path of a volume to a writable client path
func (o *Orchestrator) LaunchRestore(ctx context.Context, caller *domain.User, req RestoreRequest) (*domain.Job, error) {
	if req.Snapshot == "" {
		return nil, domain.BadRequest("A snapshot path is required")
	}

	v, err := o.volumeFor(ctx, caller, req.Owner, req.Name)
	if err != nil {
		return nil, err
	}

	name, rest, err := vpath.Split(req.Target)
	if err != nil {
		return nil, err
	}
	if name != v.Name {
		return nil, domain.BadRequest("The restore target must be inside the volume")
	}
	target, err := vpath.ToPhysical(rest, v)
	if err != nil {
		return nil, err
	}
	if !target.Writable {
		return nil, domain.BadRequest("The restore target is read-only")
	}

	repo := engine.Repository{Path: v.RepoDir(), Password: v.RepoPassword}
	plan := engine.RestorePlan{Snapshot: req.Snapshot, Target: target.Path, DryRun: req.DryRun}
	snapshot := req.Snapshot

	return o.launch(ctx, v, domain.JobTypeRestore, &snapshot, func(ctx context.Context, sink engine.ProgressSink) (outcome, error) {
		return outcome{}, o.engine.Restore(ctx, repo, plan, sink)
	})
}

// launch persists a Running job and starts its execution goroutine. The
// volume lease taken here is released after the terminal write.
func (o *Orchestrator) launch(ctx context.Context, v *domain.Volume, jobType domain.JobType, snapshotID *string, run runFunc) (*domain.Job, error) {
	release, err := o.volumes.Lease(v)
	if err != nil {
		return nil, err
	}

	if err := o.volumes.EnsureMounted(ctx, v, false); err != nil {
		release()
		return nil, err
	}

	job := &domain.Job{
		ID:           uuid.New(),
		SnapshotID:   snapshotID,
		PointOwnedBy: v.OwnedBy,
		PointName:    v.Name,
		JobType:      jobType,
		JobStatus:    domain.JobStatusRunning,
		Errors:       pq.StringArray{},
		CreateDate:   o.now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		release()
		return nil, domain.Internal("Failed to create job", err)
	}

	o.logger.Info("Job launched",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", jobType.String()),
		slog.String("volume", v.Key()),
	)
	o.metrics.JobStarted(jobType)
	o.publish(ctx, job, "")

	created := *job
	o.wg.Add(1)
	go o.execute(created, release, run)

	return job, nil
}

// execute runs the engine and performs the single terminal write
func (o *Orchestrator) execute(job domain.Job, release func(), run runFunc) {
	defer o.wg.Done()
	defer release()

	// Jobs outlive the request that launched them and cannot be cancelled.
	ctx := context.Background()
	start := time.Now()

	result, runErr := run(ctx, o.relay.Sink(ctx, job.ID))

	flushCtx, cancel := context.WithTimeout(ctx, finishTimeout)
	defer cancel()
	if err := o.relay.Flush(flushCtx, job.ID); err != nil {
		o.logger.Warn("Failed to flush job progress",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err),
		)
	}

	res := storage.JobResult{
		Status:     domain.JobStatusSuccessful,
		EndDate:    o.now().UTC(),
		SnapshotID: result.snapshotID,
		UsedBytes:  result.usedBytes,
	}
	if runErr != nil {
		res.Status = domain.JobStatusFailed
		res.SnapshotID = nil
		res.UsedBytes = nil
		res.Error = runErr.Error()

		o.logger.Error("Job execution failed",
			slog.String("job_id", job.ID.String()),
			slog.String("job_type", job.JobType.String()),
			slog.Any("error", runErr),
		)
	}

	if err := o.store.FinishJob(flushCtx, job.ID, res); err != nil {
		o.logger.Error("Failed to write job result",
			slog.String("job_id", job.ID.String()),
			slog.String("status", res.Status.String()),
			slog.Any("error", err),
		)
		o.metrics.JobFinished(job.JobType, domain.JobStatusFailed, time.Since(start))
		return
	}

	job.JobStatus = res.Status
	if res.SnapshotID != nil {
		job.SnapshotID = res.SnapshotID
	}
	o.metrics.JobFinished(job.JobType, res.Status, time.Since(start))
	o.publish(flushCtx, &job, res.Error)
}

// Wait blocks until every launched job has written its result or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, job *domain.Job, errMsg string) {
	ev := domain.JobEvent{
		JobID:     job.ID.String(),
		Owner:     job.PointOwnedBy,
		Volume:    job.PointName,
		JobType:   job.JobType,
		JobStatus: job.JobStatus,
		Error:     errMsg,
		Timestamp: o.now().UTC(),
	}
	if job.SnapshotID != nil {
		ev.SnapshotID = *job.SnapshotID
	}

	if err := o.publisher.PublishJobEvent(ctx, ev); err != nil {
		o.logger.Warn("Failed to publish job event",
			slog.String("job_id", ev.JobID),
			slog.String("job_status", ev.JobStatus.String()),
			slog.Any("error", err),
		)
	}
}

// GetJob returns a job visible to caller
func (o *Orchestrator) GetJob(ctx context.Context, caller *domain.User, id uuid.UUID) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(job.PointOwnedBy) {
		return nil, domain.Unauthorized("You are not allowed to view this job")
	}
	return job, nil
}

// ListJobs returns one page of a volume's jobs, newest first, and the cursor
// of the next page when there is one.
func (o *Orchestrator) ListJobs(ctx context.Context, caller *domain.User, filter domain.JobFilter) ([]domain.Job, *domain.JobCursor, error) {
	if filter.Owner == "" {
		filter.Owner = caller.UserName
	}
	if !caller.CanAccess(filter.Owner) {
		return nil, nil, domain.Unauthorized("You are not allowed to view these jobs")
	}
	if _, err := o.store.GetVolume(ctx, filter.Owner, filter.Name); err != nil {
		return nil, nil, err
	}

	switch {
	case filter.PageSize <= 0:
		filter.PageSize = DefaultPageSize
	case filter.PageSize > MaxPageSize:
		filter.PageSize = MaxPageSize
	}

	jobs, err := o.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	if len(jobs) <= filter.PageSize {
		return jobs, nil, nil
	}

	jobs = jobs[:filter.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &domain.JobCursor{CreateDate: last.CreateDate, ID: last.ID}, nil
}
