package toolcmd

import (
	"os"
	"strings"
)

// InSession reports whether this process is running nested inside the
// tool's own interactive session, as indicated by the marker variable.
// Operations that would start a nested session must be skipped then.
func InSession(markerVar string) bool {
	return os.Getenv(markerVar) != ""
}

// DetachedEnv returns the current environment with the session marker
// variables removed. A detached reconciliation process spawned from inside
// a session must not inherit the markers, or it would refuse to invoke the
// tool itself.
func DetachedEnv(markerVars ...string) []string {
	drop := make(map[string]struct{}, len(markerVars))
	for _, v := range markerVars {
		drop[v] = struct{}{}
	}
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, skip := drop[name]; skip {
			continue
		}
		out = append(out, kv)
	}
	return out
}
