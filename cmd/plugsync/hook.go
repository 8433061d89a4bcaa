package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/plugsync/plugsync/internal/config"
	"github.com/plugsync/plugsync/internal/paths"
	"github.com/plugsync/plugsync/internal/toolcmd"
)

// runHook is the session-start hook entry. It spawns a fully detached
// reconciliation pass and returns immediately so session startup is never
// blocked. The session marker variables are cleared from the child's
// environment; with them inherited the pass would refuse to invoke the
// tool, believing itself nested in the session that triggered it.
func runHook(cfg *config.Config, layout paths.Layout) error {
	binPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(layout.LogFile()), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(layout.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binPath, "run", "--trigger", "hook", "--tool-home", CLI.ToolHome)
	cmd.Env = toolcmd.DetachedEnv(sessionMarkers(cfg)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn detached pass: %w", err)
	}
	slog.Info("Detached reconciliation pass spawned", "pid", cmd.Process.Pid)
	return cmd.Process.Release()
}
