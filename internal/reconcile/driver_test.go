package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugsync/plugsync/internal/config"
	"github.com/plugsync/plugsync/internal/paths"
	"github.com/plugsync/plugsync/internal/snapshot"
	"github.com/plugsync/plugsync/internal/state"
	"github.com/plugsync/plugsync/internal/toolcmd"
)

// fakeRunner maps the first matching argument prefix to a canned result
// and records every invocation.
type fakeRunner struct {
	calls   [][]string
	results map[string]toolcmd.Result
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, args ...string) toolcmd.Result {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	for prefix, res := range f.results {
		if strings.HasPrefix(key, prefix) {
			return res
		}
	}
	return toolcmd.Result{}
}

func (f *fakeRunner) callsWithPrefix(prefix string) [][]string {
	var out [][]string
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	layout paths.Layout
	cfg    *config.Config
	runner *fakeRunner
	driver *Driver
	now    time.Time
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// newFixture seeds a tool home with settings, an installed registry, and a
// config that disables updates and git sync so tests opt in explicitly.
func newFixture(t *testing.T, installed ...string) *fixture {
	t.Setenv("PLUGINCTL_SESSION", "")

	layout := paths.Layout{ToolHome: t.TempDir()}
	plugins := map[string]any{}
	enabled := map[string]bool{}
	for _, unit := range installed {
		plugins[unit] = []any{map[string]any{"version": "1.0.0", "scope": "user"}}
		enabled[unit] = true
	}
	writeJSON(t, layout.InstalledPluginsFile(), map[string]any{"plugins": plugins})
	writeJSON(t, layout.SettingsFile(), map[string]any{"enabledPlugins": enabled})

	configDoc := "auto_update:\n  enabled: false\ngit_sync:\n  enabled: false\n"
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.ConfigFile()), 0o755))
	require.NoError(t, os.WriteFile(layout.ConfigFile(), []byte(configDoc), 0o644))

	cfg, err := config.Load(layout.ConfigFile())
	require.NoError(t, err)

	f := &fixture{
		layout: layout,
		cfg:    cfg,
		runner: &fakeRunner{results: map[string]toolcmd.Result{}},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.driver = New(cfg, layout).
		WithTool(toolcmd.NewWithRunner("pluginctl", f.runner)).
		WithBinaryPath("").
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) writeSnapshot(t *testing.T, units ...string) {
	t.Helper()
	snap := &snapshot.Snapshot{
		Version:      snapshot.FormatVersion,
		Timestamp:    f.now.Format(time.RFC3339),
		Plugins:      map[string]snapshot.Unit{},
		Marketplaces: map[string]snapshot.MarketplaceEntry{},
	}
	for _, unit := range units {
		snap.Plugins[unit] = snapshot.Unit{
			Enabled: true, Version: "1.0.0", Scope: "user",
			Marketplace: snapshot.SourceOf(unit),
		}
	}
	require.NoError(t, snap.Save(f.layout.SnapshotFile()))
}

func TestRunInstallsExactlyTheMissingUnit(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1", "beta@src2")

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})

	assert.False(t, sum.Skipped)
	assert.Equal(t, 1, sum.Installed)
	assert.Zero(t, sum.Failed)
	installs := f.runner.callsWithPrefix("plugin install")
	require.Len(t, installs, 1)
	assert.Equal(t, []string{"plugin", "install", "beta@src2"}, installs[0])

	records := state.NewStore(f.layout.InstallStateFile()).Load()
	assert.Equal(t, state.StatusInstalled, records["beta@src2"].Status)
	assert.Zero(t, records["beta@src2"].RetryCount)
}

func TestRunFailedInstallProgressesRetryState(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.runner.results["plugin install beta@src2"] = toolcmd.Result{ExitCode: 1, Stderr: "boom"}

	store := state.NewStore(f.layout.InstallStateFile())
	for want := 1; want <= 3; want++ {
		// Each pass regenerates the local snapshot from observed state,
		// which drops the never-installed unit; in production the pull at
		// the top of the next pass restores the fleet document. Model that
		// restore by re-seeding before every pass.
		f.writeSnapshot(t, "alpha@src1", "beta@src2")
		sum := f.driver.Run(context.Background(), Options{Force: true, Trigger: "test"})
		assert.Equal(t, 1, sum.Failed)
		rec := store.Load()["beta@src2"]
		assert.Equal(t, state.StatusFailed, rec.Status)
		assert.Equal(t, want, rec.RetryCount)
		f.now = f.now.Add(601 * time.Second)
	}
}

func TestRunSkipsFailedUnitWithinRetryInterval(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1", "beta@src2")
	f.runner.results["plugin install beta@src2"] = toolcmd.Result{ExitCode: 1, Stderr: "boom"}

	f.driver.Run(context.Background(), Options{Force: true, Trigger: "test"})
	require.Len(t, f.runner.callsWithPrefix("plugin install"), 1)

	// Only five minutes later: within the 10 minute retry interval.
	f.now = f.now.Add(5 * time.Minute)
	f.driver.Run(context.Background(), Options{Force: true, Trigger: "test"})
	assert.Len(t, f.runner.callsWithPrefix("plugin install"), 1)
}

func TestRunAbandonsAfterRetryBudget(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1", "beta@src2")

	store := state.NewStore(f.layout.InstallStateFile())
	require.NoError(t, store.Save(map[string]state.Record{
		"beta@src2": {
			Status:      state.StatusFailed,
			RetryCount:  6,
			LastAttempt: f.now.Add(-24 * time.Hour).Format(time.RFC3339),
		},
	}))

	sum := f.driver.Run(context.Background(), Options{Force: true, Trigger: "test"})
	assert.Zero(t, sum.Installed)
	assert.Zero(t, sum.Failed)
	assert.Empty(t, f.runner.callsWithPrefix("plugin install"))
}

func TestRunCooldownSkipsSecondTrigger(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1")

	first := f.driver.Run(context.Background(), Options{Trigger: "service"})
	assert.False(t, first.Skipped)

	// The hook fires a minute after the service for the same login.
	f.now = f.now.Add(time.Minute)
	second := f.driver.Run(context.Background(), Options{Trigger: "hook"})
	assert.True(t, second.Skipped)

	// A forced run bypasses the guard.
	forced := f.driver.Run(context.Background(), Options{Force: true, Trigger: "cli"})
	assert.False(t, forced.Skipped)

	// After the cooldown window the guard no longer applies.
	f.now = f.now.Add(6 * time.Minute)
	later := f.driver.Run(context.Background(), Options{Trigger: "hook"})
	assert.False(t, later.Skipped)
}

func TestRunRegistersMissingMarketplaces(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	snap := &snapshot.Snapshot{
		Version:   snapshot.FormatVersion,
		Timestamp: f.now.Format(time.RFC3339),
		Plugins:   map[string]snapshot.Unit{},
		Marketplaces: map[string]snapshot.MarketplaceEntry{
			"src2": {Source: "github", Repo: "org/src2", AutoUpdate: true},
		},
	}
	require.NoError(t, snap.Save(f.layout.SnapshotFile()))

	f.driver.Run(context.Background(), Options{Trigger: "test"})

	names := map[string]any{}
	data, err := os.ReadFile(f.layout.KnownMarketplacesFile())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &names))
	assert.Contains(t, names, "src2")
	// Newly added source listing is refreshed immediately.
	refreshes := f.runner.callsWithPrefix("plugin marketplace update src2")
	assert.Len(t, refreshes, 1)
}

func TestRunUpdatesWithIntervalGate(t *testing.T) {
	f := newFixture(t, "alpha@src1", "local-tool")
	f.writeSnapshot(t, "alpha@src1")
	configDoc := "auto_update:\n  enabled: true\n  interval_hours: 24\n  notify: false\ngit_sync:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(f.layout.ConfigFile(), []byte(configDoc), 0o644))

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.Equal(t, 1, sum.Updated)
	updates := f.runner.callsWithPrefix("plugin update")
	require.Len(t, updates, 1)
	// Local units are never updated remotely.
	assert.Equal(t, []string{"plugin", "update", "alpha@src1"}, updates[0])

	// Second pass within the interval: the stamp holds, no updates.
	f.now = f.now.Add(time.Hour)
	sum = f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.Zero(t, sum.Updated)
	assert.Len(t, f.runner.callsWithPrefix("plugin update"), 1)

	// Force bypasses the gate.
	f.now = f.now.Add(time.Hour)
	sum = f.driver.Run(context.Background(), Options{Force: true, Trigger: "test"})
	assert.Equal(t, 1, sum.Updated)
	assert.Len(t, f.runner.callsWithPrefix("plugin update"), 2)
}

// Marketplace listings refresh even when the tool's plugin management is
// disabled; only unit updates are gated on the probe.
func TestRunRefreshesMarketplacesWhenManagementDisabled(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1")
	configDoc := "auto_update:\n  enabled: true\n  interval_hours: 0\n  notify: false\ngit_sync:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(f.layout.ConfigFile(), []byte(configDoc), 0o644))
	f.runner.results["plugin list"] = toolcmd.Result{Stdout: "No plugins installed"}

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})

	assert.Zero(t, sum.Updated)
	assert.Empty(t, f.runner.callsWithPrefix("plugin update"))
	assert.Len(t, f.runner.callsWithPrefix("plugin marketplace update"), 1)
}

func TestRunSyncsSharedFilesWhenEnabled(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1")
	configDoc := "auto_update:\n  enabled: false\ngit_sync:\n  enabled: false\n" +
		"rules_sync:\n  enabled: true\nskills_sync:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(f.layout.ConfigFile(), []byte(configDoc), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Dir(f.layout.RulesSource()), 0o755))
	require.NoError(t, os.WriteFile(f.layout.RulesSource(), []byte("# fleet rules\n"), 0o644))
	skill := filepath.Join(f.layout.SkillsSourceDir(), "review", "SKILL.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(skill), 0o755))
	require.NoError(t, os.WriteFile(skill, []byte("# review\n"), 0o644))

	f.driver.Run(context.Background(), Options{Trigger: "test"})

	data, err := os.ReadFile(f.layout.RulesTarget())
	require.NoError(t, err)
	assert.Equal(t, "# fleet rules\n", string(data))
	data, err = os.ReadFile(filepath.Join(f.layout.SkillsTargetDir(), "review", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, "# review\n", string(data))
}

// Shared-file sync is off by default; nothing is written without the toggles.
func TestRunLeavesSharedFilesAloneWhenDisabled(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1")
	require.NoError(t, os.MkdirAll(filepath.Dir(f.layout.RulesSource()), 0o755))
	require.NoError(t, os.WriteFile(f.layout.RulesSource(), []byte("# fleet rules\n"), 0o644))

	f.driver.Run(context.Background(), Options{Trigger: "test"})

	assert.NoFileExists(t, f.layout.RulesTarget())
}

func TestRunSkipsUpdatesInsideToolSession(t *testing.T) {
	f := newFixture(t, "alpha@src1")
	f.writeSnapshot(t, "alpha@src1")
	configDoc := "auto_update:\n  enabled: true\n  interval_hours: 0\n  notify: false\ngit_sync:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(f.layout.ConfigFile(), []byte(configDoc), 0o644))
	t.Setenv("PLUGINCTL_SESSION", "1")

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.Zero(t, sum.Updated)
	assert.Empty(t, f.runner.callsWithPrefix("plugin update"))
}

func TestRunPublishesOnMembershipChange(t *testing.T) {
	f := newFixture(t, "alpha@src1", "beta@src2")
	// Last published snapshot only knows alpha.
	f.writeSnapshot(t, "alpha@src1")

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.True(t, sum.Published)

	snap, err := snapshot.Load(f.layout.SnapshotFile())
	require.NoError(t, err)
	assert.Contains(t, snap.Plugins, "beta@src2")

	// Second pass: membership now matches, nothing to publish.
	f.now = f.now.Add(10 * time.Minute)
	sum = f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.False(t, sum.Published)
}

func TestRunSurvivesMissingSnapshot(t *testing.T) {
	f := newFixture(t, "alpha@src1")

	sum := f.driver.Run(context.Background(), Options{Trigger: "test"})
	assert.False(t, sum.Skipped)
	assert.Zero(t, sum.Installed)
	// First pass publishes the initial snapshot.
	assert.True(t, sum.Published)
}
