package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// cronMarker tags the reconciler's crontab line so reinstalls replace it
// instead of appending duplicates.
const cronMarker = "# plugsync-agent"

type cronService struct {
	cfg Config
}

func (s *cronService) Variant() Variant { return VariantCron }

func (s *cronService) Describe() string { return "crontab @reboot entry (" + cronMarker + ")" }

// cronEntry builds the @reboot line with the marker comment at the end.
func cronEntry(cfg Config) string {
	return fmt.Sprintf("@reboot %s >> %s 2>&1 %s", startCommand(cfg), cfg.LogFile, cronMarker)
}

// rewriteCrontab removes every previously marked line and appends the new
// entry, leaving unrelated lines untouched and in order.
func rewriteCrontab(current, entry string) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(current, "\n"), "\n") {
		if strings.Contains(line, cronMarker) {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	lines = append(lines, entry)
	return strings.Join(lines, "\n") + "\n"
}

// stripMarked removes every marked line for uninstall.
func stripMarked(current string) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(current, "\n"), "\n") {
		if strings.Contains(line, cronMarker) {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func readCrontab(ctx context.Context) (string, bool) {
	out, err := exec.CommandContext(ctx, "crontab", "-l").Output()
	if err != nil {
		// Non-zero usually means "no crontab for user".
		return "", false
	}
	return string(out), true
}

func writeCrontab(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = bytes.NewBufferString(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("write crontab: %w (%s)", err, out)
	}
	return nil
}

func (s *cronService) Installed() bool {
	current, ok := readCrontab(context.Background())
	return ok && strings.Contains(current, cronMarker)
}

func (s *cronService) Install(ctx context.Context) error {
	current, _ := readCrontab(ctx)
	if err := writeCrontab(ctx, rewriteCrontab(current, cronEntry(s.cfg))); err != nil {
		return err
	}
	slog.Info("Crontab @reboot entry installed", "marker", cronMarker)
	return nil
}

func (s *cronService) Uninstall(ctx context.Context) error {
	current, ok := readCrontab(ctx)
	if !ok || !strings.Contains(current, cronMarker) {
		return nil
	}
	if err := writeCrontab(ctx, stripMarked(current)); err != nil {
		return err
	}
	slog.Info("Crontab @reboot entry removed", "marker", cronMarker)
	return nil
}
