// Package hosttest provides in-memory stand-ins for host commands and the
// mount table.
package hosttest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuongbtq/neptis/internal/host"
)

// HandlerFunc answers a command
type HandlerFunc func(cmd host.Command) (string, error)

type rule struct {
	prefix  string
	handler HandlerFunc
}

// Runner records commands and answers them from prefix rules. Commands with
// no matching rule succeed with empty output.
type Runner struct {
	mu    sync.Mutex
	rules []rule
	calls []host.Command
}

// NewRunner creates an empty fake runner
func NewRunner() *Runner {
	return &Runner{}
}

// On registers a fixed answer for commands whose string form starts with prefix.
// Later rules take precedence.
func (r *Runner) On(prefix, out string, err error) {
	r.OnFunc(prefix, func(host.Command) (string, error) { return out, err })
}

// OnFunc registers a handler for commands whose string form starts with prefix
func (r *Runner) OnFunc(prefix string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: fn})
}

// Fail makes commands with the prefix exit non-zero
func (r *Runner) Fail(prefix string) {
	r.On(prefix, "", errors.New("exit status 1"))
}

func (r *Runner) answer(cmd host.Command) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	var fn HandlerFunc
	s := cmd.String()
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(s, r.rules[i].prefix) {
			fn = r.rules[i].handler
			break
		}
	}
	r.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	out, err := fn(cmd)
	if err != nil {
		return out, &host.CommandError{Command: s, Err: err}
	}
	return out, nil
}

// Run implements host.Runner
func (r *Runner) Run(_ context.Context, cmd host.Command) (string, error) {
	return r.answer(cmd)
}

// Stream implements host.Runner by replaying the answer line by line
func (r *Runner) Stream(_ context.Context, cmd host.Command, onLine func(string)) error {
	out, err := r.answer(cmd)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			onLine(line)
		}
	}
	return err
}

// Calls returns every recorded command
func (r *Runner) Calls() []host.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.Command(nil), r.calls...)
}

// Commands returns the string form of every recorded command
func (r *Runner) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// CommandsWithPrefix returns recorded commands starting with prefix
func (r *Runner) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded commands, keeping rules
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// MountTable is an in-memory mount table keyed by mount point
type MountTable struct {
	mu     sync.Mutex
	mounts map[string]string
}

// NewMountTable creates an empty table
func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[string]string)}
}

// Mount records image as mounted at mountpoint
func (t *MountTable) Mount(image, mountpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts[filepath.Clean(mountpoint)] = filepath.Clean(image)
}

// Unmount removes whatever is mounted at mountpoint
func (t *MountTable) Unmount(mountpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mounts, filepath.Clean(mountpoint))
}

// IsMounted implements host.MountTable
func (t *MountTable) IsMounted(_ context.Context, image, mountpoint string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mounts[filepath.Clean(mountpoint)] == filepath.Clean(image), nil
}

// Wire makes "mount -o rw,sync,loop <img> <mnt>" and "umount <mnt>" on r
// update the table.
func (t *MountTable) Wire(r *Runner) {
	r.OnFunc("mount -o", func(cmd host.Command) (string, error) {
		n := len(cmd.Args)
		if n >= 2 {
			t.Mount(cmd.Args[n-2], cmd.Args[n-1])
		}
		return "", nil
	})
	r.OnFunc("umount", func(cmd host.Command) (string, error) {
		if len(cmd.Args) > 0 {
			t.Unmount(cmd.Args[len(cmd.Args)-1])
		}
		return "", nil
	})
}
