// Package toolcmd wraps the external plugin-manager command line. The tool
// is an opaque collaborator: every call reduces to success, failure, or
// timeout, and a timed-out call is treated identically to a failed one.
package toolcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/plugsync/plugsync/internal/logfields"
	"github.com/plugsync/plugsync/internal/util/sets"
)

// Subprocess timeouts. Control-plane calls are short; install and update
// may fetch over the network. Calls are never retried within a pass; retry
// belongs to the install state machine on the next pass.
const (
	ControlTimeout = 60 * time.Second
	InstallTimeout = 120 * time.Second
	probeTimeout   = 30 * time.Second
)

// Result captures one finished tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	TimedOut bool
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Err == nil && !r.TimedOut && r.ExitCode == 0 }

// Combined returns stdout and stderr joined, for error classification.
func (r Result) Combined() string { return r.Stdout + r.Stderr }

// ErrorMessage returns the most useful human-readable failure text.
func (r Result) ErrorMessage() string {
	if r.TimedOut {
		return "command timed out"
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(r.Stdout); msg != "" {
		return msg
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

// Runner executes one tool invocation. The indirection exists for tests.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, args ...string) Result
}

type execRunner struct {
	command string
}

func (e execRunner) Run(ctx context.Context, timeout time.Duration, args ...string) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = err
	}
	return res
}

// Tool issues plugin-management commands to the external tool.
type Tool struct {
	command string
	runner  Runner
}

// New returns a Tool invoking the given command via PATH.
func New(command string) *Tool {
	return &Tool{command: command, runner: execRunner{command: command}}
}

// NewWithRunner returns a Tool using a custom runner.
func NewWithRunner(command string, runner Runner) *Tool {
	return &Tool{command: command, runner: runner}
}

// Install installs one unit. The returned Result carries the failure detail
// when OK() is false.
func (t *Tool) Install(ctx context.Context, unit string) Result {
	return t.runner.Run(ctx, InstallTimeout, "plugin", "install", unit)
}

// looksNotInstalled matches the tool's "not installed" error class with a
// case-insensitive substring check over combined output. This is a
// best-effort heuristic against the tool's message wording, not a stable
// contract.
func looksNotInstalled(output string) bool {
	return strings.Contains(strings.ToLower(output), "not installed")
}

// Update updates one unit. When the full name@source identifier is rejected
// as not installed, it retries once with the bare name, since the tool may
// register some units without the source qualifier.
func (t *Tool) Update(ctx context.Context, unit string) Result {
	res := t.runner.Run(ctx, InstallTimeout, "plugin", "update", unit)
	if res.OK() || !looksNotInstalled(res.Combined()) {
		return res
	}
	base, _, found := strings.Cut(unit, "@")
	if !found || base == "" {
		return res
	}
	slog.Info("Retrying update with bare name", logfields.Unit(unit), "base", base)
	return t.runner.Run(ctx, InstallTimeout, "plugin", "update", base)
}

// UpdateMarketplace refreshes one source listing, or the default listing
// when name is empty.
func (t *Tool) UpdateMarketplace(ctx context.Context, name string) Result {
	args := []string{"plugin", "marketplace", "update"}
	if name != "" {
		args = append(args, name)
	}
	return t.runner.Run(ctx, InstallTimeout, args...)
}

// ManagementAvailable probes whether the tool's plugin commands work at
// all. Some tool builds disable plugin management behind a server-side
// flag; the tell is "no plugins installed" from list while the local
// registry clearly has units. With no installed units the probe cannot
// distinguish and allows the attempt.
func (t *Tool) ManagementAvailable(ctx context.Context, installed sets.Set[string]) bool {
	if len(installed) == 0 {
		return true
	}
	res := t.runner.Run(ctx, probeTimeout, "plugin", "list")
	if !strings.Contains(strings.ToLower(res.Combined()), "no plugins installed") {
		return true
	}
	slog.Warn("Plugin management unavailable, skipping updates")
	return false
}
