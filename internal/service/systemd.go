package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/plugsync/plugsync/internal/logfields"
	"github.com/plugsync/plugsync/internal/state"
)

// systemdUnitName is the user-level unit.
const systemdUnitName = "plugsync.service"

type systemdService struct {
	cfg Config
}

func (s *systemdService) Variant() Variant { return VariantSystemd }

func systemdUnitPath() string {
	return filepath.Join(userHomeDir(), ".config", "systemd", "user", systemdUnitName)
}

func (s *systemdService) Describe() string { return systemdUnitPath() }

func (s *systemdService) Installed() bool {
	_, err := os.Stat(systemdUnitPath())
	return err == nil
}

// renderUnit builds the oneshot unit. The service runs once per activation
// rather than staying resident; scheduling across logins is systemd's job.
func renderUnit(cfg Config) string {
	env := ""
	for _, marker := range cfg.SessionMarkers {
		env += fmt.Sprintf("UnsetEnvironment=%s\n", marker)
	}
	return fmt.Sprintf(`[Unit]
Description=Plugin fleet reconciler
After=network.target

[Service]
Type=oneshot
ExecStartPre=/bin/sleep %d
ExecStart=%s run
Environment=HOME=%s
Environment=PATH=/usr/local/bin:/usr/bin:/bin
%sStandardOutput=append:%s
StandardError=append:%s
RemainAfterExit=no

[Install]
WantedBy=default.target
`, int(StartDelay.Seconds()), cfg.BinaryPath, userHomeDir(), env, cfg.LogFile, cfg.LogFile)
}

// Install writes the unit, reloads the user manager, enables the unit for
// future logins, and starts it once immediately. The immediate start is
// best-effort; enable and daemon-reload are not.
func (s *systemdService) Install(ctx context.Context) error {
	path := systemdUnitPath()
	if err := state.WriteFileAtomic(path, []byte(renderUnit(s.cfg))); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	if out, err := exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w (%s)", err, out)
	}
	if out, err := exec.CommandContext(ctx, "systemctl", "--user", "enable", systemdUnitName).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl enable: %w (%s)", err, out)
	}
	if out, err := exec.CommandContext(ctx, "systemctl", "--user", "start", systemdUnitName).CombinedOutput(); err != nil {
		slog.Warn("systemctl start failed, unit runs on next login", logfields.Error(err), "output", string(out))
	}
	slog.Info("Systemd user unit installed", logfields.Path(path))
	return nil
}

func (s *systemdService) Uninstall(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, "systemctl", "--user", "disable", "--now", systemdUnitName).CombinedOutput(); err != nil {
		slog.Debug("systemctl disable failed", logfields.Error(err), "output", string(out))
	}
	path := systemdUnitPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove systemd unit: %w", err)
	}
	if out, err := exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
		slog.Debug("systemctl daemon-reload failed", logfields.Error(err), "output", string(out))
	}
	slog.Info("Systemd user unit removed", logfields.Path(path))
	return nil
}
