// Package host wraps the privileged host commands the volume manager and the
// backup engine depend on.
package host

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is a single external process invocation
type Command struct {
	Name string
	Args []string
	// Env entries in KEY=value form, added to the process environment.
	// Never logged.
	Env []string
}

// Cmd builds a Command without extra environment
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithEnv returns a copy of c with additional environment entries
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes host commands. Any non-zero exit is an error; callers treat
// it as an opaque failure.
type Runner interface {
	// Run waits for the command and returns its stdout
	Run(ctx context.Context, cmd Command) (string, error)
	// Stream calls onLine for every stdout line as it is produced
	Stream(ctx context.Context, cmd Command, onLine func(line string)) error
}

// CommandError describes a failed host command
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec, optionally through sudo
type ExecRunner struct {
	logger      *slog.Logger
	sudo        bool
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExecRunner creates a runner. With sudo set every command is prefixed
// with "sudo -n" and its environment keys are passed by --preserve-env so
// their values never reach the process arguments.
func NewExecRunner(logger *slog.Logger, sudo bool) *ExecRunner {
	return &ExecRunner{
		logger:      logger,
		sudo:        sudo,
		execCommand: exec.CommandContext,
	}
}

func (r *ExecRunner) build(ctx context.Context, cmd Command) *exec.Cmd {
	var c *exec.Cmd
	if r.sudo {
		args := []string{"-n"}
		if keys := envKeys(cmd.Env); len(keys) > 0 {
			args = append(args, "--preserve-env="+strings.Join(keys, ","))
		}
		args = append(args, cmd.Name)
		args = append(args, cmd.Args...)
		c = r.execCommand(ctx, "sudo", args...)
	} else {
		c = r.execCommand(ctx, cmd.Name, cmd.Args...)
	}

	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	return c
}

func envKeys(env []string) []string {
	keys := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Run executes cmd and returns its stdout
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (string, error) {
	c := r.build(ctx, cmd)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()

	r.logger.Debug("Host command finished",
		slog.String("command", cmd.String()),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	if err != nil {
		return stdout.String(), &CommandError{
			Command: cmd.String(),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.String(), nil
}

// Stream executes cmd and hands each stdout line to onLine
func (r *ExecRunner) Stream(ctx context.Context, cmd Command, onLine func(line string)) error {
	c := r.build(ctx, cmd)

	var stderr bytes.Buffer
	c.Stderr = &stderr

	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %q: %w", cmd.String(), err)
	}

	if err := c.Start(); err != nil {
		return &CommandError{Command: cmd.String(), Err: err}
	}

	scanLines(stdout, onLine)

	if err := c.Wait(); err != nil {
		return &CommandError{
			Command: cmd.String(),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return nil
}

func scanLines(r io.Reader, onLine func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Drain the pipe so the process is never blocked on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}
