package toolcmd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugsync/plugsync/internal/util/sets"
)

type call struct {
	timeout time.Duration
	args    []string
}

// scriptRunner returns canned results in order and records every call.
type scriptRunner struct {
	calls   []call
	results []Result
}

func (s *scriptRunner) Run(_ context.Context, timeout time.Duration, args ...string) Result {
	s.calls = append(s.calls, call{timeout: timeout, args: args})
	if len(s.results) == 0 {
		return Result{}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func TestInstallUsesLongTimeout(t *testing.T) {
	runner := &scriptRunner{results: []Result{{}}}
	tool := NewWithRunner("pluginctl", runner)

	res := tool.Install(context.Background(), "alpha@src1")
	assert.True(t, res.OK())
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"plugin", "install", "alpha@src1"}, runner.calls[0].args)
	assert.Equal(t, InstallTimeout, runner.calls[0].timeout)
}

func TestUpdateRetriesWithBareNameOnNotInstalled(t *testing.T) {
	runner := &scriptRunner{results: []Result{
		{ExitCode: 1, Stderr: "Error: plugin gamma@src3 is Not Installed"},
		{},
	}}
	tool := NewWithRunner("pluginctl", runner)

	res := tool.Update(context.Background(), "gamma@src3")
	assert.True(t, res.OK())
	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"plugin", "update", "gamma@src3"}, runner.calls[0].args)
	assert.Equal(t, []string{"plugin", "update", "gamma"}, runner.calls[1].args)
}

func TestUpdateDoesNotRetryOtherFailures(t *testing.T) {
	runner := &scriptRunner{results: []Result{
		{ExitCode: 1, Stderr: "network unreachable"},
	}}
	tool := NewWithRunner("pluginctl", runner)

	res := tool.Update(context.Background(), "gamma@src3")
	assert.False(t, res.OK())
	assert.Len(t, runner.calls, 1)
}

func TestUpdateDoesNotRetryBareNames(t *testing.T) {
	runner := &scriptRunner{results: []Result{
		{ExitCode: 1, Stdout: "not installed"},
	}}
	tool := NewWithRunner("pluginctl", runner)

	res := tool.Update(context.Background(), "local-tool")
	assert.False(t, res.OK())
	assert.Len(t, runner.calls, 1)
}

func TestUpdateMarketplaceDefaultsWhenUnnamed(t *testing.T) {
	runner := &scriptRunner{results: []Result{{}, {}}}
	tool := NewWithRunner("pluginctl", runner)

	tool.UpdateMarketplace(context.Background(), "src1")
	tool.UpdateMarketplace(context.Background(), "")
	assert.Equal(t, []string{"plugin", "marketplace", "update", "src1"}, runner.calls[0].args)
	assert.Equal(t, []string{"plugin", "marketplace", "update"}, runner.calls[1].args)
}

func TestManagementAvailable(t *testing.T) {
	installed := sets.New[string]()
	installed.Add("alpha@src1")

	disabled := &scriptRunner{results: []Result{{Stdout: "No plugins installed\n"}}}
	assert.False(t, NewWithRunner("pluginctl", disabled).ManagementAvailable(context.Background(), installed))

	working := &scriptRunner{results: []Result{{Stdout: "alpha@src1 1.2.0\n"}}}
	assert.True(t, NewWithRunner("pluginctl", working).ManagementAvailable(context.Background(), installed))

	// With nothing installed the probe cannot tell; allow the attempt.
	empty := &scriptRunner{}
	assert.True(t, NewWithRunner("pluginctl", empty).ManagementAvailable(context.Background(), sets.New[string]()))
	assert.Empty(t, empty.calls)
}

func TestResultErrorMessage(t *testing.T) {
	assert.Equal(t, "command timed out", Result{TimedOut: true}.ErrorMessage())
	assert.Equal(t, "boom", Result{ExitCode: 1, Stderr: "boom\n"}.ErrorMessage())
	assert.Equal(t, "out", Result{ExitCode: 1, Stdout: "out"}.ErrorMessage())
	assert.Equal(t, "exit code 3", Result{ExitCode: 3}.ErrorMessage())
}

func TestLooksNotInstalledIsCaseInsensitive(t *testing.T) {
	assert.True(t, looksNotInstalled("Plugin NOT Installed"))
	assert.False(t, looksNotInstalled("installation failed"))
}

func TestDetachedEnvDropsMarkers(t *testing.T) {
	t.Setenv("PLUGINCTL_SESSION", "1")
	t.Setenv("PLUGINCTL_SESSION_ID", "abc")
	t.Setenv("UNRELATED_VAR", "keep")

	env := DetachedEnv("PLUGINCTL_SESSION", "PLUGINCTL_SESSION_ID")
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "PLUGINCTL_SESSION=")
	assert.NotContains(t, joined, "PLUGINCTL_SESSION_ID=")
	assert.Contains(t, joined, "UNRELATED_VAR=keep")
}

func TestInSession(t *testing.T) {
	t.Setenv("PLUGINCTL_SESSION", "")
	assert.False(t, InSession("PLUGINCTL_SESSION"))
	t.Setenv("PLUGINCTL_SESSION", "1")
	assert.True(t, InSession("PLUGINCTL_SESSION"))
}
