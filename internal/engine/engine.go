// Package engine drives the content-addressed backup engine.
package engine

import (
	"context"
)

// ProgressSink receives progress from a running backup or restore
type ProgressSink interface {
	SetTitle(title string)
	SetLength(total uint64)
	Increment(n uint64)
}

// Repository locates an initialized backup repository
type Repository struct {
	Path     string
	Password string
}

// BackupOptions tune a single backup run
type BackupOptions struct {
	Tags   []string
	DryRun bool
}

// RestorePlan describes what to restore and where.
// Snapshot is "latest", a snapshot id, or "<id>:<subpath>".
type RestorePlan struct {
	Snapshot string
	Target   string
	DryRun   bool
}

// Snapshot is the result of a successful backup
type Snapshot struct {
	ID                  string
	TotalBytesProcessed uint64
}

// Engine is the backup engine consumed by the volume manager and the job orchestrator
type Engine interface {
	InitRepository(ctx context.Context, repo Repository) error
	Backup(ctx context.Context, repo Repository, opts BackupOptions, sources []string, sink ProgressSink) (*Snapshot, error)
	Restore(ctx context.Context, repo Repository, plan RestorePlan, sink ProgressSink) error
	// MountView mounts the read-only snapshot browser at dir and blocks until it is unmounted
	MountView(ctx context.Context, repo Repository, dir string) error
}

// NopSink discards progress
type NopSink struct{}

func (NopSink) SetTitle(string)  {}
func (NopSink) SetLength(uint64) {}
func (NopSink) Increment(uint64) {}
