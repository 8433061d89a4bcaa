// Package localstate reads and repairs the external plugin tool's own
// registry files. These files are ground truth for what is installed; the
// tool may rewrite any of them wholesale as a side effect of its commands,
// so every repair here is idempotent and re-runnable after each tool call.
package localstate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/plugsync/plugsync/internal/state"
	"github.com/plugsync/plugsync/internal/util/sets"
	"github.com/plugsync/plugsync/internal/version"
)

// SelfUnitName is the local unit under which the reconciler registers itself.
const SelfUnitName = "plugsync"

// InstalledUnits returns the set of unit identifiers the tool considers
// installed. A missing registry file yields an empty set and os.ErrNotExist
// so callers can distinguish "nothing installed" from "tool not set up".
func InstalledUnits(path string) (sets.Set[string], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sets.New[string](), err
		}
		return nil, fmt.Errorf("read installed registry %s: %w", path, err)
	}
	var doc struct {
		Plugins map[string]json.RawMessage `json:"plugins"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse installed registry %s: %w", path, err)
	}
	return sets.FromKeys(doc.Plugins), nil
}

// selfEntry mirrors the registry's per-install entry shape.
type selfEntry struct {
	Scope       string `json:"scope"`
	InstallPath string `json:"installPath"`
	Version     string `json:"version"`
	InstalledAt string `json:"installedAt"`
	LastUpdated string `json:"lastUpdated"`
}

// EnsureSelfRegistered re-adds the reconciler's own registry entry if the
// tool has rebuilt the file without it. Without this entry the tool never
// fires the session hook, so the check runs after every tool invocation
// that may rewrite the registry. A missing file is left alone; creating it
// from scratch is the tool's job.
func EnsureSelfRegistered(path, installPath string, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read installed registry %s: %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse installed registry %s: %w", path, err)
	}
	plugins, _ := doc["plugins"].(map[string]any)
	if plugins == nil {
		plugins = map[string]any{}
	}
	if _, ok := plugins[SelfUnitName]; ok {
		return nil
	}

	stamp := now.UTC().Format(time.RFC3339)
	plugins[SelfUnitName] = []selfEntry{{
		Scope:       "user",
		InstallPath: installPath,
		Version:     version.String(),
		InstalledAt: stamp,
		LastUpdated: stamp,
	}}
	doc["plugins"] = plugins

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal installed registry: %w", err)
	}
	return state.WriteFileAtomic(path, append(out, '\n'))
}
