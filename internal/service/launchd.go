package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/plugsync/plugsync/internal/logfields"
	"github.com/plugsync/plugsync/internal/state"
)

// launchdLabel is the LaunchAgent identifier.
const launchdLabel = "com.plugsync.agent"

// launchd runs agents with a minimal PATH; the widened value must cover
// homebrew and system locations so git and the plugin tool resolve.
const launchdPath = "/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>/bin/bash</string>
		<string>-c</string>
		<string>{{.Command}}</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.LogFile}}</string>
	<key>StandardErrorPath</key>
	<string>{{.LogFile}}</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>PATH</key>
		<string>{{.Path}}</string>
		<key>HOME</key>
		<string>{{.Home}}</string>
	</dict>
	<key>ThrottleInterval</key>
	<integer>60</integer>
</dict>
</plist>
`))

type launchdService struct {
	cfg Config
}

func (s *launchdService) Variant() Variant { return VariantLaunchd }

func launchdPlistPath() string {
	return filepath.Join(userHomeDir(), "Library", "LaunchAgents", launchdLabel+".plist")
}

func (s *launchdService) Describe() string { return launchdPlistPath() }

func (s *launchdService) Installed() bool {
	_, err := os.Stat(launchdPlistPath())
	return err == nil
}

// Install writes the agent definition and re-registers it with launchd.
// Registration failure is non-fatal: the plist persists and takes effect
// on next login.
func (s *launchdService) Install(ctx context.Context) error {
	plist, err := renderPlist(s.cfg)
	if err != nil {
		return err
	}
	path := launchdPlistPath()
	if err := state.WriteFileAtomic(path, plist); err != nil {
		return fmt.Errorf("write launch agent: %w", err)
	}

	// Unload first so a changed definition is re-read.
	if out, err := exec.CommandContext(ctx, "launchctl", "unload", path).CombinedOutput(); err != nil {
		slog.Debug("launchctl unload failed", logfields.Error(err), "output", string(out))
	}
	if out, err := exec.CommandContext(ctx, "launchctl", "load", path).CombinedOutput(); err != nil {
		slog.Warn("launchctl load failed, agent takes effect on next login", logfields.Error(err), "output", string(out))
	}
	slog.Info("Launch agent installed", logfields.Path(path))
	return nil
}

func (s *launchdService) Uninstall(ctx context.Context) error {
	path := launchdPlistPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if out, err := exec.CommandContext(ctx, "launchctl", "unload", path).CombinedOutput(); err != nil {
		slog.Debug("launchctl unload failed", logfields.Error(err), "output", string(out))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove launch agent: %w", err)
	}
	slog.Info("Launch agent removed", logfields.Path(path))
	return nil
}

func renderPlist(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	err := plistTemplate.Execute(&buf, struct {
		Label   string
		Command string
		LogFile string
		Path    string
		Home    string
	}{
		Label:   launchdLabel,
		Command: startCommand(cfg),
		LogFile: cfg.LogFile,
		Path:    launchdPath,
		Home:    userHomeDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("render launch agent plist: %w", err)
	}
	return buf.Bytes(), nil
}
