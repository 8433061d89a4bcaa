// Package snapshot builds and compares the declarative desired-state
// document shared across the fleet.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/plugsync/plugsync/internal/localstate"
	"github.com/plugsync/plugsync/internal/paths"
	"github.com/plugsync/plugsync/internal/state"
	"github.com/plugsync/plugsync/internal/util/sets"
)

// FormatVersion identifies the snapshot document layout.
const FormatVersion = "1.0"

// Unit describes one remote unit's desired state.
type Unit struct {
	Enabled      bool   `json:"enabled"`
	Version      string `json:"version"`
	Scope        string `json:"scope"`
	Marketplace  string `json:"marketplace"`
	GitCommitSha string `json:"gitCommitSha,omitempty"`
}

// MarketplaceEntry describes one source registry in the snapshot.
type MarketplaceEntry struct {
	Source     string `json:"source"`
	Repo       string `json:"repo"`
	AutoUpdate bool   `json:"autoUpdate"`
}

// Snapshot is the full desired-state document.
type Snapshot struct {
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Plugins      map[string]Unit             `json:"plugins"`
	Marketplaces map[string]MarketplaceEntry `json:"marketplaces"`
}

// IsRemote reports whether id names a remote unit. Units without a source
// suffix are local-only and never subject to remote install or update.
func IsRemote(id string) bool { return strings.Contains(id, "@") }

// SourceOf returns the source-registry name from a unit identifier, or
// "unknown" when the identifier is malformed.
func SourceOf(id string) string {
	parts := strings.SplitN(id, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "unknown"
	}
	return parts[1]
}

// Generate assembles a snapshot from the observed local state. The settings
// and installed-registry files are required inputs: their absence is a
// configuration error, not a transient one, so Generate fails loudly.
func Generate(layout paths.Layout, now time.Time) (*Snapshot, error) {
	enabled, err := localstate.EnabledPlugins(layout.SettingsFile())
	if err != nil {
		return nil, err
	}
	meta, err := localstate.InstalledMeta(layout.InstalledPluginsFile())
	if err != nil {
		return nil, err
	}
	markets, err := localstate.RawMarketplaces(layout.KnownMarketplacesFile())
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version:      FormatVersion,
		Timestamp:    now.UTC().Format(time.RFC3339),
		Plugins:      map[string]Unit{},
		Marketplaces: map[string]MarketplaceEntry{},
	}

	for id, isEnabled := range enabled {
		if !IsRemote(id) {
			slog.Debug("Skipping local unit", "unit", id)
			continue
		}
		m, ok := meta[id]
		if !ok {
			continue
		}
		unit := Unit{
			Enabled:      isEnabled,
			Version:      m.Version,
			Scope:        m.Scope,
			Marketplace:  SourceOf(id),
			GitCommitSha: m.GitCommitSha,
		}
		if unit.Version == "" {
			unit.Version = "unknown"
		}
		if unit.Scope == "" {
			unit.Scope = "user"
		}
		snap.Plugins[id] = unit
	}

	for name, m := range markets {
		snap.Marketplaces[name] = MarketplaceEntry{
			Source:     m.Source.Source,
			Repo:       m.Source.Repo,
			AutoUpdate: m.AutoUpdate,
		}
	}

	return snap, nil
}

// Load reads a snapshot document. A missing file returns (nil, nil).
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Save atomically writes the snapshot to path.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return state.WriteFileAtomic(path, append(data, '\n'))
}

// RemoteUnits returns the identifiers of the snapshot's remote units.
func (s *Snapshot) RemoteUnits() sets.Set[string] {
	units := sets.New[string]()
	for id := range s.Plugins {
		if IsRemote(id) {
			units.Add(id)
		}
	}
	return units
}

// MarketplaceNames returns the snapshot's source-registry names.
func (s *Snapshot) MarketplaceNames() sets.Set[string] {
	return sets.FromKeys(s.Marketplaces)
}

// Changed reports whether the observed membership diverged from the last
// published snapshot. Only identifier-set membership counts: version bumps
// and other per-unit metadata churn must not trigger a publish storm. Local
// units are excluded from the comparison on both sides. A nil last snapshot
// always counts as changed.
func Changed(last *Snapshot, installed, marketplaces sets.Set[string]) bool {
	if last == nil {
		return true
	}
	observedRemote := sets.New[string]()
	for id := range installed {
		if IsRemote(id) {
			observedRemote.Add(id)
		}
	}
	if !last.RemoteUnits().Equal(observedRemote) {
		logMembershipDrift("unit", last.RemoteUnits(), observedRemote)
		return true
	}
	if !last.MarketplaceNames().Equal(marketplaces) {
		logMembershipDrift("marketplace", last.MarketplaceNames(), marketplaces)
		return true
	}
	return false
}

func logMembershipDrift(kind string, old, current sets.Set[string]) {
	if added := current.Diff(old); len(added) > 0 {
		slog.Info("Membership change detected", "kind", kind, "added", added.Values())
	}
	if removed := old.Diff(current); len(removed) > 0 {
		slog.Info("Membership change detected", "kind", kind, "removed", removed.Values())
	}
}
