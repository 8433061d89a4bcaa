// Package notify delivers best-effort desktop notifications. Delivery
// failure is never an error to callers; this machine may simply have no
// notification surface.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/plugsync/plugsync/internal/logfields"
)

const sendTimeout = 10 * time.Second

// Send shows a desktop notification with the platform's native mechanism.
func Send(ctx context.Context, title, message string) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			slog.Debug("No notification mechanism available")
			return
		}
		cmd = exec.CommandContext(ctx, "notify-send", title, message)
	case "windows":
		script := fmt.Sprintf(
			"[System.Windows.Forms.MessageBox]::Show('%s','%s')", message, title)
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script)
	default:
		slog.Debug("No notification mechanism for platform", logfields.Platform(runtime.GOOS))
		return
	}

	if err := cmd.Run(); err != nil {
		slog.Debug("Notification delivery failed", logfields.Error(err))
	}
}
