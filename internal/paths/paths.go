// Package paths resolves the well-known file locations shared between the
// reconciler, the external plugin tool, and the OS service definitions.
// Resolution is pure: nothing here touches the filesystem.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Layout holds every absolute path the reconciler reads or writes.
// All shared mutable state lives in these files; cooperating invocations
// are separate OS processes and never share memory.
type Layout struct {
	// ToolHome is the external plugin tool's home directory (e.g. ~/.pluginctl).
	ToolHome string
}

// Resolve expands a tool home argument into a Layout. An empty or "~"-prefixed
// home is resolved against the current user's home directory.
func Resolve(toolHome string) Layout {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch {
	case toolHome == "":
		toolHome = filepath.Join(home, ".pluginctl")
	case toolHome == "~":
		toolHome = home
	case strings.HasPrefix(toolHome, "~/"):
		toolHome = filepath.Join(home, toolHome[2:])
	}
	return Layout{ToolHome: toolHome}
}

// DataDir is the reconciler's own state directory inside the tool home.
func (l Layout) DataDir() string { return filepath.Join(l.ToolHome, "plugins", "plugsync") }

// ConfigFile is the manager configuration document.
func (l Layout) ConfigFile() string { return filepath.Join(l.DataDir(), "config.yaml") }

// SnapshotDir holds the published snapshot and the per-machine sync state.
// It doubles as the git worktree that distributes the snapshot across the fleet.
func (l Layout) SnapshotDir() string { return filepath.Join(l.DataDir(), "snapshots") }

// SnapshotFile is the current desired-state document.
func (l Layout) SnapshotFile() string { return filepath.Join(l.SnapshotDir(), "current.json") }

// RulesSource is the fleet's shared rules document inside the snapshot
// repository; RulesTarget is its destination in the tool home.
func (l Layout) RulesSource() string {
	return filepath.Join(l.SnapshotDir(), "global-rules", "RULES.md")
}
func (l Layout) RulesTarget() string { return filepath.Join(l.ToolHome, "RULES.md") }

// SkillsSourceDir holds one subdirectory per shared skill, each with a
// SKILL.md; SkillsTargetDir mirrors that tree in the tool home.
func (l Layout) SkillsSourceDir() string { return filepath.Join(l.SnapshotDir(), "global-skills") }
func (l Layout) SkillsTargetDir() string { return filepath.Join(l.ToolHome, "skills") }

// InstallStateFile records per-unit install attempts and retry counters.
func (l Layout) InstallStateFile() string {
	return filepath.Join(l.SnapshotDir(), ".last-install-state.json")
}

// LastUpdateFile stamps the most recent pass that ran unit updates; it
// gates the update interval.
func (l Layout) LastUpdateFile() string { return filepath.Join(l.SnapshotDir(), ".last-update") }

// LastPassFile stamps the completion of every pass; it backs the
// double-trigger cooldown guard.
func (l Layout) LastPassFile() string { return filepath.Join(l.SnapshotDir(), ".last-pass") }

// LogDir and LogFile locate the append-only pass log.
func (l Layout) LogDir() string  { return filepath.Join(l.DataDir(), "logs") }
func (l Layout) LogFile() string { return filepath.Join(l.LogDir(), "plugsync.log") }

// HistoryDB is the sqlite pass-audit database.
func (l Layout) HistoryDB() string { return filepath.Join(l.DataDir(), "history.db") }

// InstalledPluginsFile is the tool's registry of installed units (ground truth).
func (l Layout) InstalledPluginsFile() string {
	return filepath.Join(l.ToolHome, "plugins", "installed_plugins.json")
}

// KnownMarketplacesFile is the tool's registry of remote sources.
func (l Layout) KnownMarketplacesFile() string {
	return filepath.Join(l.ToolHome, "plugins", "known_marketplaces.json")
}

// SettingsFile is the tool's main settings document (enabled plugins).
func (l Layout) SettingsFile() string { return filepath.Join(l.ToolHome, "settings.json") }

// SettingsLocalFile is the tool's per-machine settings overlay where the
// session-start hook is registered.
func (l Layout) SettingsLocalFile() string { return filepath.Join(l.ToolHome, "settings.local.json") }
