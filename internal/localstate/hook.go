package localstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/plugsync/plugsync/internal/state"
)

// hookTimeout is the seconds the tool allows the session-start hook to run.
const hookTimeout = 120

// EnsureSessionHook registers the reconciler's session-start hook in the
// tool's per-machine settings overlay. The overlay survives registry
// rebuilds that drop plugin-level hooks, which is why registration lives
// here instead of next to the plugin.
//
// The hook is matched on "startup" only so that session resume or context
// compaction does not re-trigger a pass, and marked async so the tool runs
// it detached from the session.
//
// Existing entries for the same command are upgraded in place when they
// predate the matcher, async, or timeout fields. Unrelated hooks are
// preserved verbatim.
func EnsureSessionHook(path, command string) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse settings overlay %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read settings overlay %s: %w", path, err)
	}

	hooks, _ := doc["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	groups, _ := hooks["SessionStart"].([]any)

	group, entry := findHookEntry(groups, command)
	if entry != nil {
		if hookEntryCurrent(group, entry) {
			return nil
		}
		slog.Info("Upgrading session hook entry", "command", command)
		group["matcher"] = "startup"
		entry["async"] = true
		entry["timeout"] = float64(hookTimeout)
	} else {
		groups = append(groups, map[string]any{
			"matcher": "startup",
			"hooks": []any{map[string]any{
				"type":    "command",
				"command": command,
				"timeout": float64(hookTimeout),
				"async":   true,
			}},
		})
	}

	hooks["SessionStart"] = groups
	doc["hooks"] = hooks

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings overlay: %w", err)
	}
	return state.WriteFileAtomic(path, append(out, '\n'))
}

func findHookEntry(groups []any, command string) (map[string]any, map[string]any) {
	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok {
			continue
		}
		entries, _ := group["hooks"].([]any)
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if entry["command"] == command {
				return group, entry
			}
		}
	}
	return nil, nil
}

func hookEntryCurrent(group, entry map[string]any) bool {
	if _, ok := group["matcher"]; !ok {
		return false
	}
	if async, _ := entry["async"].(bool); !async {
		return false
	}
	timeout, _ := entry["timeout"].(float64)
	return timeout == hookTimeout
}
