package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cuongbtq/neptis/internal/host"
)

const (
	// DefaultBinary is the restic executable looked up on PATH
	DefaultBinary = "restic"

	passwordEnv = "RESTIC_PASSWORD"
)

var (
	// ErrNoSummary is returned when restic exits cleanly without a summary line
	ErrNoSummary = errors.New("backup finished without a summary")

	snapshotRef = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:/._+\-]*$`)
)

// Restic implements Engine with the restic CLI and its --json output
type Restic struct {
	runner host.Runner
	binary string
	logger *slog.Logger
}

// NewRestic creates a restic engine. An empty binary uses DefaultBinary.
func NewRestic(runner host.Runner, binary string, logger *slog.Logger) *Restic {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Restic{
		runner: runner,
		binary: binary,
		logger: logger,
	}
}

func (r *Restic) command(repo Repository, args ...string) host.Command {
	full := append([]string{"-r", repo.Path}, args...)
	return host.Cmd(r.binary, full...).WithEnv(passwordEnv + "=" + repo.Password)
}

// InitRepository creates an empty repository at repo.Path
func (r *Restic) InitRepository(ctx context.Context, repo Repository) error {
	if _, err := r.runner.Run(ctx, r.command(repo, "init")); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	r.logger.Info("Repository initialized",
		slog.String("repository", repo.Path),
	)
	return nil
}

// Backup snapshots sources into repo
func (r *Restic) Backup(ctx context.Context, repo Repository, opts BackupOptions, sources []string, sink ProgressSink) (*Snapshot, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no backup sources")
	}

	args := []string{"backup", "--json"}
	if len(opts.Tags) > 0 {
		args = append(args, "--tag", strings.Join(opts.Tags, ","))
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, "--")
	args = append(args, sources...)

	sink.SetTitle("backup " + strings.Join(sources, ","))

	tracker := newProgressTracker(sink, r.logger)
	if err := r.runner.Stream(ctx, r.command(repo, args...), tracker.handle); err != nil {
		return nil, fmt.Errorf("backup failed: %w", tracker.wrap(err))
	}

	if tracker.summary == nil {
		return nil, ErrNoSummary
	}

	return &Snapshot{
		ID:                  tracker.summary.SnapshotID,
		TotalBytesProcessed: tracker.summary.TotalBytesProcessed,
	}, nil
}

// Restore writes a snapshot (or a subtree of it) into plan.Target
func (r *Restic) Restore(ctx context.Context, repo Repository, plan RestorePlan, sink ProgressSink) error {
	if !snapshotRef.MatchString(plan.Snapshot) {
		return fmt.Errorf("invalid snapshot reference %q", plan.Snapshot)
	}
	if plan.Target == "" {
		return fmt.Errorf("restore target is required")
	}

	args := []string{"restore", plan.Snapshot, "--target", plan.Target, "--json"}
	if plan.DryRun {
		args = append(args, "--dry-run")
	}

	sink.SetTitle("restore " + plan.Snapshot)

	tracker := newProgressTracker(sink, r.logger)
	if err := r.runner.Stream(ctx, r.command(repo, args...), tracker.handle); err != nil {
		return fmt.Errorf("restore failed: %w", tracker.wrap(err))
	}
	return nil
}

// MountView runs "restic mount" in the foreground
func (r *Restic) MountView(ctx context.Context, repo Repository, dir string) error {
	if _, err := r.runner.Run(ctx, r.command(repo, "mount", dir, "--allow-other")); err != nil {
		return fmt.Errorf("repository view exited: %w", err)
	}
	return nil
}

// message is the union of restic's --json status, summary and error lines
type message struct {
	MessageType         string `json:"message_type"`
	TotalBytes          uint64 `json:"total_bytes"`
	BytesDone           uint64 `json:"bytes_done"`
	BytesRestored       uint64 `json:"bytes_restored"`
	SnapshotID          string `json:"snapshot_id"`
	TotalBytesProcessed uint64 `json:"total_bytes_processed"`
	Item                string `json:"item"`
	Error               *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// progressTracker turns cumulative status lines into sink deltas
type progressTracker struct {
	sink      ProgressSink
	logger    *slog.Logger
	total     uint64
	done      uint64
	lastError string
	summary   *message
}

func newProgressTracker(sink ProgressSink, logger *slog.Logger) *progressTracker {
	return &progressTracker{sink: sink, logger: logger}
}

func (t *progressTracker) handle(line string) {
	if !strings.HasPrefix(line, "{") {
		return
	}

	var msg message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.logger.Debug("Skipping unparsable engine output", slog.String("line", line))
		return
	}

	switch msg.MessageType {
	case "status", "verbose_status":
		if msg.TotalBytes > 0 && msg.TotalBytes != t.total {
			t.total = msg.TotalBytes
			t.sink.SetLength(msg.TotalBytes)
		}
		done := msg.BytesDone
		if msg.BytesRestored > done {
			done = msg.BytesRestored
		}
		if done > t.done {
			t.sink.Increment(done - t.done)
			t.done = done
		}
	case "summary":
		t.summary = &msg
		if msg.TotalBytesProcessed > t.done {
			t.sink.Increment(msg.TotalBytesProcessed - t.done)
			t.done = msg.TotalBytesProcessed
		}
	case "error":
		if msg.Error != nil {
			t.lastError = msg.Error.Message
			t.logger.Warn("Engine reported an error",
				slog.String("item", msg.Item),
				slog.String("error", msg.Error.Message),
			)
		}
	}
}

func (t *progressTracker) wrap(err error) error {
	if t.lastError == "" {
		return err
	}
	return fmt.Errorf("%s: %w", t.lastError, err)
}
