package localstate

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/plugsync/plugsync/internal/state"
	"github.com/plugsync/plugsync/internal/util/sets"
)

// SourceRef identifies a remote catalog.
type SourceRef struct {
	Source string `json:"source"`
	Repo   string `json:"repo"`
}

// Marketplace is one entry in the tool's known-marketplaces registry.
type Marketplace struct {
	Source     SourceRef `json:"source"`
	AutoUpdate bool      `json:"autoUpdate"`
}

var validMarketplaceName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidMarketplaceName reports whether name is safe to pass to the tool as
// a command argument.
func ValidMarketplaceName(name string) bool { return validMarketplaceName.MatchString(name) }

// MarketplaceNames returns the locally registered marketplace names,
// dropping entries whose names fail validation. A missing or unreadable
// file yields an empty set; marketplace sync is opportunistic.
func MarketplaceNames(path string) sets.Set[string] {
	data, err := os.ReadFile(path)
	if err != nil {
		return sets.New[string]()
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return sets.New[string]()
	}
	names := sets.New[string]()
	for name := range doc {
		if ValidMarketplaceName(name) {
			names.Add(name)
		}
	}
	return names
}

// AddMarketplaces appends the given entries to the registry, never touching
// existing entries; local configuration is authoritative for its own flags.
// Returns the names actually added, sorted.
func AddMarketplaces(path string, add map[string]SourceRef) ([]string, error) {
	existing := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, fmt.Errorf("parse marketplace registry %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read marketplace registry %s: %w", path, err)
	}

	var added []string
	for name, ref := range add {
		if _, ok := existing[name]; ok {
			continue
		}
		entry, err := json.Marshal(Marketplace{Source: ref, AutoUpdate: true})
		if err != nil {
			return nil, fmt.Errorf("marshal marketplace %s: %w", name, err)
		}
		existing[name] = entry
		added = append(added, name)
	}
	if len(added) == 0 {
		return nil, nil
	}
	sort.Strings(added)

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal marketplace registry: %w", err)
	}
	if err := state.WriteFileAtomic(path, append(out, '\n')); err != nil {
		return nil, err
	}
	return added, nil
}
