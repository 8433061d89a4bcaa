package localstate

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnabledPlugins reads the enabled-plugin map from the tool's main settings
// document. The file is a required input for snapshot generation, so a
// missing file is an error here, not an empty result.
func EnabledPlugins(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	var doc struct {
		EnabledPlugins map[string]bool `json:"enabledPlugins"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if doc.EnabledPlugins == nil {
		return map[string]bool{}, nil
	}
	return doc.EnabledPlugins, nil
}

// InstalledEntryMeta is the subset of per-install metadata the snapshot
// carries for each unit.
type InstalledEntryMeta struct {
	Version      string `json:"version"`
	Scope        string `json:"scope"`
	GitCommitSha string `json:"gitCommitSha,omitempty"`
}

// InstalledMeta reads per-unit metadata from the installed registry. Each
// registry value is a list of installs; the first entry wins, matching the
// tool's own resolution order.
func InstalledMeta(path string) (map[string]InstalledEntryMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read installed registry %s: %w", path, err)
	}
	var doc struct {
		Plugins map[string][]InstalledEntryMeta `json:"plugins"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse installed registry %s: %w", path, err)
	}
	meta := make(map[string]InstalledEntryMeta, len(doc.Plugins))
	for id, entries := range doc.Plugins {
		if len(entries) == 0 {
			continue
		}
		meta[id] = entries[0]
	}
	return meta, nil
}

// RawMarketplaces reads the full marketplace registry for snapshot
// generation. A missing file is fine: snapshots can exist without sources.
func RawMarketplaces(path string) (map[string]Marketplace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Marketplace{}, nil
		}
		return nil, fmt.Errorf("read marketplace registry %s: %w", path, err)
	}
	var doc map[string]Marketplace
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse marketplace registry %s: %w", path, err)
	}
	return doc, nil
}
