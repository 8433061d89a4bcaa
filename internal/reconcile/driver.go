// Package reconcile runs one convergence pass: pull the shared snapshot,
// repair local registrations, install missing units, update existing ones,
// and publish membership changes back to the fleet.
//
// Every step is independently best-effort. A failure in one step is logged
// and must not prevent later steps from running; retry of failed installs
// is deferred to the next pass through the state machine.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plugsync/plugsync/internal/config"
	"github.com/plugsync/plugsync/internal/filesync"
	"github.com/plugsync/plugsync/internal/gitsync"
	"github.com/plugsync/plugsync/internal/history"
	"github.com/plugsync/plugsync/internal/localstate"
	"github.com/plugsync/plugsync/internal/logfields"
	"github.com/plugsync/plugsync/internal/notify"
	"github.com/plugsync/plugsync/internal/paths"
	"github.com/plugsync/plugsync/internal/service"
	"github.com/plugsync/plugsync/internal/snapshot"
	"github.com/plugsync/plugsync/internal/state"
	"github.com/plugsync/plugsync/internal/toolcmd"
	"github.com/plugsync/plugsync/internal/util/sets"
)

// Driver orchestrates reconciliation passes.
type Driver struct {
	cfg     *config.Config
	layout  paths.Layout
	tool    *toolcmd.Tool
	git     *gitsync.Client
	states  *state.Store
	svc     service.Service
	hist    *history.Store
	binPath string
	clock   func() time.Time
}

// New builds a driver from loaded configuration. The binary path is used
// for self-registration and hook commands; when it cannot be resolved the
// repair steps that need it are skipped.
func New(cfg *config.Config, layout paths.Layout) *Driver {
	binPath, err := os.Executable()
	if err != nil {
		slog.Warn("Cannot resolve own binary path", logfields.Error(err))
		binPath = ""
	}
	return &Driver{
		cfg:     cfg,
		layout:  layout,
		tool:    toolcmd.New(cfg.Tool.Command),
		git:     gitsync.NewClient(layout.SnapshotDir()),
		states:  state.NewStore(layout.InstallStateFile()),
		binPath: binPath,
		clock:   time.Now,
	}
}

// WithService attaches the persistent-service handle for self-healing.
func (d *Driver) WithService(svc service.Service) *Driver { d.svc = svc; return d }

// WithHistory attaches the pass journal.
func (d *Driver) WithHistory(h *history.Store) *Driver { d.hist = h; return d }

// WithTool overrides the tool bridge.
func (d *Driver) WithTool(t *toolcmd.Tool) *Driver { d.tool = t; return d }

// WithClock overrides the time source.
func (d *Driver) WithClock(clock func() time.Time) *Driver { d.clock = clock; return d }

// WithBinaryPath overrides the resolved binary path.
func (d *Driver) WithBinaryPath(path string) *Driver { d.binPath = path; return d }

// Options select per-run behavior.
type Options struct {
	// Force bypasses the cooldown guard and the update interval.
	Force bool
	// Trigger names the invocation source for the journal (hook, service,
	// cli).
	Trigger string
}

// Summary reports what one pass did.
type Summary struct {
	PassID    string
	Skipped   bool
	Installed int
	Failed    int
	Updated   int
	Published bool
	Notes     []string
}

func (s *Summary) note(msg string) { s.Notes = append(s.Notes, msg) }

// Run executes one pass in fixed order. It returns a summary and never a
// step error; only the summary records what went wrong.
func (d *Driver) Run(ctx context.Context, opts Options) *Summary {
	start := d.clock()
	sum := &Summary{PassID: uuid.NewString()}
	log := slog.With(logfields.PassID(sum.PassID))
	log.Info("Reconciliation pass started", "trigger", opts.Trigger, "force", opts.Force)

	// The hook trigger and the OS service can both fire for one login
	// event; a recently completed pass means this one is redundant.
	if !opts.Force && d.withinCooldown(start) {
		log.Info("Skipping pass, previous pass completed within cooldown")
		sum.Skipped = true
		d.record(ctx, sum, start, opts.Trigger)
		return sum
	}

	// Pull before loading config so the pass sees the fleet's latest
	// snapshot and configuration. Read-only, never gated by config.
	if err := d.git.Pull(); err != nil {
		log.Warn("Snapshot pull failed", logfields.Error(err))
		sum.note("pull failed: " + err.Error())
	}
	if cfg, err := config.Load(d.layout.ConfigFile()); err != nil {
		log.Warn("Config reload failed, keeping previous config", logfields.Error(err))
	} else {
		d.cfg = cfg
	}

	d.repairRegistrations(ctx, log)
	d.syncMarketplaces(ctx, log)

	if d.cfg.AutoInstall.Enabled {
		d.installMissing(ctx, log, sum, start)
		// Installs may have rebuilt the registry.
		d.ensureSelfRegistered(log)
		if sum.Installed > 0 && d.cfg.AutoUpdate.Notify {
			notify.Send(ctx, "Auto-Install", pluralize(sum.Installed, "installed %d missing unit"))
		}
	} else {
		log.Debug("Auto-install disabled")
	}

	d.syncSharedFiles(log)

	if opts.Force || d.shouldUpdate(log, start) {
		d.updateAll(ctx, log, sum)
		d.ensureSelfRegistered(log)
		if sum.Updated > 0 && d.cfg.AutoUpdate.Notify {
			notify.Send(ctx, "Auto-Update", pluralize(sum.Updated, "updated %d unit"))
		}
		d.stamp(d.layout.LastUpdateFile(), log)
	}

	d.publishIfChanged(log, sum, start)

	d.stamp(d.layout.LastPassFile(), log)
	d.record(ctx, sum, start, opts.Trigger)
	log.Info("Reconciliation pass finished",
		"installed", sum.Installed, "failed", sum.Failed,
		"updated", sum.Updated, "published", sum.Published,
		logfields.DurationMS(d.clock().Sub(start)))
	return sum
}

// withinCooldown reports whether the previous pass finished too recently.
// A malformed stamp counts as no stamp.
func (d *Driver) withinCooldown(now time.Time) bool {
	data, err := os.ReadFile(d.layout.LastPassFile())
	if err != nil {
		return false
	}
	last, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return now.Sub(last) < d.cfg.Cooldown.Std()
}

// stamp writes the current time to a stamp file, atomically.
func (d *Driver) stamp(path string, log *slog.Logger) {
	stamp := d.clock().UTC().Format(time.RFC3339) + "\n"
	if err := state.WriteFileAtomic(path, []byte(stamp)); err != nil {
		log.Warn("Failed to write stamp file", logfields.Path(path), logfields.Error(err))
	}
}

// repairRegistrations re-asserts the registrations that other software may
// have silently dropped: the self entry in the installed registry, the
// session hook, and the OS-level service.
func (d *Driver) repairRegistrations(ctx context.Context, log *slog.Logger) {
	d.ensureSelfRegistered(log)
	if d.binPath != "" {
		if err := localstate.EnsureSessionHook(d.layout.SettingsLocalFile(), d.binPath+" hook"); err != nil {
			log.Warn("Session hook repair failed", logfields.Error(err))
		}
	}
	if d.svc != nil && !d.svc.Installed() {
		log.Info("Persistent service missing, reinstalling", logfields.Platform(string(d.svc.Variant())))
		if err := d.svc.Install(ctx); err != nil {
			log.Warn("Persistent service reinstall failed", logfields.Error(err))
		}
	}
}

func (d *Driver) ensureSelfRegistered(log *slog.Logger) {
	if d.binPath == "" {
		return
	}
	if err := localstate.EnsureSelfRegistered(d.layout.InstalledPluginsFile(), d.binPath, d.clock()); err != nil {
		log.Warn("Self-registration repair failed", logfields.Error(err))
	}
}

// syncMarketplaces adds sources the snapshot references but the local
// registry lacks, then refreshes each new source's listing unless nested
// inside a tool session.
func (d *Driver) syncMarketplaces(ctx context.Context, log *slog.Logger) {
	snap, err := snapshot.Load(d.layout.SnapshotFile())
	if err != nil {
		log.Warn("Snapshot unreadable, skipping marketplace sync", logfields.Error(err))
		return
	}
	if snap == nil || len(snap.Marketplaces) == 0 {
		return
	}

	missing := map[string]localstate.SourceRef{}
	local := localstate.MarketplaceNames(d.layout.KnownMarketplacesFile())
	for name, entry := range snap.Marketplaces {
		if !local.Has(name) {
			missing[name] = localstate.SourceRef{Source: entry.Source, Repo: entry.Repo}
		}
	}
	added, err := localstate.AddMarketplaces(d.layout.KnownMarketplacesFile(), missing)
	if err != nil {
		log.Warn("Marketplace registry update failed", logfields.Error(err))
		return
	}
	if len(added) == 0 {
		return
	}
	log.Info("Registered marketplaces from snapshot", "added", added)

	if toolcmd.InSession(d.cfg.Tool.SessionEnv) {
		log.Debug("Inside tool session, deferring marketplace refresh")
		return
	}
	for _, name := range added {
		if res := d.tool.UpdateMarketplace(ctx, name); !res.OK() {
			log.Warn("Marketplace refresh failed", logfields.Marketplace(name), "reason", res.ErrorMessage())
		}
	}
}

// installMissing attempts installation of snapshot units absent locally,
// as scheduled by the retry state machine, and persists the outcomes.
func (d *Driver) installMissing(ctx context.Context, log *slog.Logger, sum *Summary, now time.Time) {
	snap, err := snapshot.Load(d.layout.SnapshotFile())
	if err != nil || snap == nil {
		if err != nil {
			log.Warn("Snapshot unreadable, skipping install", logfields.Error(err))
		} else {
			log.Debug("No snapshot, skipping install")
		}
		return
	}

	installed, err := localstate.InstalledUnits(d.layout.InstalledPluginsFile())
	if err != nil && !os.IsNotExist(err) {
		log.Warn("Installed registry unreadable, skipping install", logfields.Error(err))
		return
	}

	records := d.states.Load()
	pol := state.Policy{
		RetryInterval: d.cfg.Retry.Interval.Std(),
		MaxRetries:    d.cfg.Retry.MaxRetries,
	}

	units := snap.RemoteUnits().Values()
	sort.Strings(units)
	changed := false
	for _, unit := range units {
		var rec *state.Record
		if r, ok := records[unit]; ok {
			rec = &r
		}
		switch state.Decide(rec, installed.Has(unit), now, pol) {
		case state.Skip:
			continue
		case state.Abandon:
			log.Warn("Giving up on unit, retry budget exhausted",
				logfields.Unit(unit), logfields.RetryCount(rec.RetryCount))
			continue
		}

		if !validUnitName(unit) {
			log.Warn("Invalid unit identifier in snapshot", logfields.Unit(unit))
			continue
		}
		log.Info("Installing unit", logfields.Unit(unit))
		res := d.tool.Install(ctx, unit)
		next := state.Apply(rec, res.OK(), d.clock())
		records[unit] = next
		changed = true
		if res.OK() {
			sum.Installed++
			log.Info("Unit installed", logfields.Unit(unit))
		} else {
			sum.Failed++
			log.Warn("Unit install failed", logfields.Unit(unit),
				logfields.RetryCount(next.RetryCount), "reason", res.ErrorMessage())
		}
	}

	if changed {
		if err := d.states.Save(records); err != nil {
			log.Warn("Install state save failed", logfields.Error(err))
		}
	}
}

// validUnitName requires the strict name@source form before handing the
// identifier to the tool as an argument.
func validUnitName(unit string) bool {
	name, src, found := strings.Cut(unit, "@")
	return found && name != "" && src != ""
}

// syncSharedFiles propagates the fleet's shared rules document and skills
// tree from the snapshot repository into the tool home, each gated by its
// own configuration toggle.
func (d *Driver) syncSharedFiles(log *slog.Logger) {
	if d.cfg.RulesSync.Enabled {
		changed, err := filesync.SyncFile(d.layout.RulesSource(), d.layout.RulesTarget())
		if err != nil {
			log.Warn("Shared rules sync failed", logfields.Error(err))
		} else if changed {
			log.Info("Shared rules synced", logfields.Path(d.layout.RulesTarget()))
		}
	}
	if d.cfg.SkillsSync.Enabled {
		synced, err := filesync.SyncSkills(d.layout.SkillsSourceDir(), d.layout.SkillsTargetDir())
		if err != nil {
			log.Warn("Shared skills sync failed", logfields.Error(err))
		}
		if synced > 0 {
			log.Info("Shared skills synced", "count", synced)
		}
	}
}

// shouldUpdate gates the update step on configuration, session nesting,
// and the update interval.
func (d *Driver) shouldUpdate(log *slog.Logger, now time.Time) bool {
	if !d.cfg.AutoUpdate.Enabled {
		log.Debug("Auto-update disabled")
		return false
	}
	if toolcmd.InSession(d.cfg.Tool.SessionEnv) {
		log.Info("Inside tool session, skipping updates to avoid nesting")
		return false
	}
	if d.cfg.AutoUpdate.IntervalHours == 0 {
		return true
	}
	data, err := os.ReadFile(d.layout.LastUpdateFile())
	if err != nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		log.Debug("Invalid update stamp, triggering update")
		return true
	}
	elapsed := now.Sub(last)
	if elapsed >= time.Duration(d.cfg.AutoUpdate.IntervalHours)*time.Hour {
		return true
	}
	log.Debug("Update interval not elapsed", "elapsed_hours", int(elapsed.Hours()))
	return false
}

// updateAll refreshes every marketplace listing, then updates every remote
// installed unit. Update failures are logged and skipped, never retried
// within the pass. Marketplace refresh is unconditional; only unit updates
// are gated on the management probe.
func (d *Driver) updateAll(ctx context.Context, log *slog.Logger, sum *Summary) {
	markets := localstate.MarketplaceNames(d.layout.KnownMarketplacesFile()).Values()
	sort.Strings(markets)
	if len(markets) == 0 {
		if res := d.tool.UpdateMarketplace(ctx, ""); !res.OK() {
			log.Warn("Default marketplace refresh failed", "reason", res.ErrorMessage())
		}
	}
	for _, name := range markets {
		if res := d.tool.UpdateMarketplace(ctx, name); !res.OK() {
			log.Warn("Marketplace refresh failed", logfields.Marketplace(name), "reason", res.ErrorMessage())
		}
	}

	installed, err := localstate.InstalledUnits(d.layout.InstalledPluginsFile())
	if err != nil && !os.IsNotExist(err) {
		log.Warn("Installed registry unreadable, skipping updates", logfields.Error(err))
		return
	}
	if !d.tool.ManagementAvailable(ctx, installed) {
		return
	}

	units := installedRemote(installed)
	if len(units) == 0 {
		log.Debug("No remote units to update")
		return
	}
	log.Info("Updating units", "count", len(units))
	for _, unit := range units {
		res := d.tool.Update(ctx, unit)
		if res.OK() {
			sum.Updated++
			log.Info("Unit updated", logfields.Unit(unit))
		} else {
			log.Warn("Unit update failed", logfields.Unit(unit), "reason", res.ErrorMessage())
		}
	}
}

func installedRemote(installed sets.Set[string]) []string {
	var units []string
	for unit := range installed {
		if snapshot.IsRemote(unit) {
			units = append(units, unit)
		}
	}
	sort.Strings(units)
	return units
}

// publishIfChanged regenerates and publishes the snapshot when membership
// drifted from the last published document, or when this pass installed
// anything.
func (d *Driver) publishIfChanged(log *slog.Logger, sum *Summary, now time.Time) {
	installed, err := localstate.InstalledUnits(d.layout.InstalledPluginsFile())
	if err != nil {
		log.Warn("Installed registry unreadable, skipping publish", logfields.Error(err))
		return
	}
	markets := localstate.MarketplaceNames(d.layout.KnownMarketplacesFile())

	last, err := snapshot.Load(d.layout.SnapshotFile())
	if err != nil {
		log.Warn("Last snapshot unreadable, regenerating", logfields.Error(err))
	}
	if sum.Installed == 0 && err == nil && !snapshot.Changed(last, installed, markets) {
		log.Debug("No membership changes, skipping publish")
		return
	}

	snap, err := snapshot.Generate(d.layout, now)
	if err != nil {
		log.Error("Snapshot generation failed", logfields.Error(err))
		sum.note("snapshot generation failed: " + err.Error())
		return
	}
	if err := snap.Save(d.layout.SnapshotFile()); err != nil {
		log.Error("Snapshot save failed", logfields.Error(err))
		return
	}
	log.Info("Snapshot regenerated", "units", len(snap.Plugins), "marketplaces", len(snap.Marketplaces))

	if !d.cfg.GitSync.Enabled {
		sum.Published = true
		return
	}
	if err := d.git.Publish(d.clock(), d.cfg.GitSync.AutoPush); err != nil {
		log.Warn("Snapshot publish failed", logfields.Error(err))
		sum.note("publish failed: " + err.Error())
		return
	}
	sum.Published = true
}

// record appends the pass to the journal when one is attached.
func (d *Driver) record(ctx context.Context, sum *Summary, start time.Time, trigger string) {
	if d.hist == nil {
		return
	}
	rec := history.PassRecord{
		PassID:     sum.PassID,
		StartedAt:  start,
		FinishedAt: d.clock(),
		Trigger:    trigger,
		Installed:  sum.Installed,
		Failed:     sum.Failed,
		Updated:    sum.Updated,
		Published:  sum.Published,
		Note:       strings.Join(sum.Notes, "; "),
	}
	if sum.Skipped {
		rec.Note = "skipped: cooldown"
	}
	if err := d.hist.RecordPass(ctx, rec); err != nil {
		slog.Warn("Pass journal write failed", logfields.Error(err))
	}
}

func pluralize(n int, format string) string {
	msg := fmt.Sprintf(format, n)
	if n != 1 {
		msg += "s"
	}
	return msg
}
