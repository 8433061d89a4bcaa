package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/plugsync/plugsync/internal/config"
	"github.com/plugsync/plugsync/internal/gitsync"
	"github.com/plugsync/plugsync/internal/history"
	"github.com/plugsync/plugsync/internal/logging"
	"github.com/plugsync/plugsync/internal/paths"
	"github.com/plugsync/plugsync/internal/reconcile"
	"github.com/plugsync/plugsync/internal/service"
	"github.com/plugsync/plugsync/internal/snapshot"
	"github.com/plugsync/plugsync/internal/version"
	"github.com/plugsync/plugsync/internal/watch"
)

var CLI struct {
	ToolHome string           `help:"Plugin tool home directory" default:"~/.pluginctl"`
	Verbose  bool             `short:"v" help:"Enable verbose logging"`
	Version  kong.VersionFlag `help:"Print version and exit"`

	Run struct {
		ForceUpdate bool   `help:"Force updates regardless of cooldown and interval"`
		Trigger     string `hidden:"" default:"cli"`
	} `cmd:"" help:"Run one reconciliation pass"`

	Watch struct {
		Interval time.Duration `help:"Periodic pass interval" default:"1h"`
	} `cmd:"" help:"Run passes continuously in the foreground"`

	Snapshot struct{} `cmd:"" help:"Regenerate and publish the snapshot from local state"`

	Service struct {
		Install   struct{} `cmd:"" help:"Install the OS-level login service"`
		Uninstall struct{} `cmd:"" help:"Remove the OS-level login service"`
		Status    struct{} `cmd:"" help:"Show the login service status"`
	} `cmd:"" help:"Manage the OS-level login service"`

	Hook struct{} `cmd:"" help:"Session-start hook entry: spawn a detached pass"`

	History struct {
		Limit int `help:"Number of passes to show" default:"20"`
	} `cmd:"" help:"Show recent reconciliation passes"`

	Init struct {
		Force bool `help:"Overwrite an existing configuration file"`
	} `cmd:"" help:"Write a default configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI, kong.Vars{"version": version.String()})

	layout := paths.Resolve(CLI.ToolHome)
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintln(os.Stderr, "plugsync:", err)
		os.Exit(1)
	}

	if err := setupLogging(ctx.Command(), cfg, layout); err != nil {
		fmt.Fprintln(os.Stderr, "plugsync:", err)
		os.Exit(1)
	}

	switch ctx.Command() {
	case "run":
		runPass(cfg, layout, CLI.Run.ForceUpdate, CLI.Run.Trigger)
	case "watch":
		if err := runWatch(cfg, layout, CLI.Watch.Interval); err != nil {
			slog.Error("Watch mode failed", "error", err)
			os.Exit(1)
		}
	case "snapshot":
		if err := runSnapshot(cfg, layout); err != nil {
			slog.Error("Snapshot failed", "error", err)
			os.Exit(1)
		}
	case "service install":
		if err := buildService(cfg, layout).Install(context.Background()); err != nil {
			slog.Error("Service install failed", "error", err)
			os.Exit(1)
		}
	case "service uninstall":
		if err := buildService(cfg, layout).Uninstall(context.Background()); err != nil {
			slog.Error("Service uninstall failed", "error", err)
			os.Exit(1)
		}
	case "service status":
		printServiceStatus(cfg, layout)
	case "hook":
		if err := runHook(cfg, layout); err != nil {
			slog.Error("Hook spawn failed", "error", err)
			os.Exit(1)
		}
	case "history":
		if err := runHistory(layout, CLI.History.Limit); err != nil {
			slog.Error("History query failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(layout.ConfigFile(), CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("Configuration written to", layout.ConfigFile())
	}
}

// setupLogging routes unattended commands to the rotating log file as well
// as stderr; interactive commands log to stderr only.
func setupLogging(command string, cfg *config.Config, layout paths.Layout) error {
	level := config.NormalizeLogLevel(cfg.Logging.Level)
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	opts := logging.Options{
		Level:  level,
		Format: config.NormalizeLogFormat(cfg.Logging.Format),
	}
	switch command {
	case "run", "watch", "hook":
		opts.File = layout.LogFile()
	}
	_, err := logging.Setup(opts)
	return err
}

func sessionMarkers(cfg *config.Config) []string {
	return []string{cfg.Tool.SessionEnv, cfg.Tool.SessionEnv + "_ID"}
}

func buildService(cfg *config.Config, layout paths.Layout) service.Service {
	binPath, err := os.Executable()
	if err != nil {
		slog.Warn("Cannot resolve own binary path", "error", err)
	}
	return service.For(service.Detect(), service.Config{
		BinaryPath:     binPath,
		LogFile:        layout.LogFile(),
		SessionMarkers: sessionMarkers(cfg),
	})
}

func buildDriver(cfg *config.Config, layout paths.Layout) (*reconcile.Driver, *history.Store) {
	driver := reconcile.New(cfg, layout).WithService(buildService(cfg, layout))
	hist, err := history.Open(layout.HistoryDB())
	if err != nil {
		slog.Warn("Pass journal unavailable", "error", err)
		return driver, nil
	}
	return driver.WithHistory(hist), hist
}

func runPass(cfg *config.Config, layout paths.Layout, force bool, trigger string) {
	driver, hist := buildDriver(cfg, layout)
	if hist != nil {
		defer hist.Close()
	}
	driver.Run(context.Background(), reconcile.Options{Force: force, Trigger: trigger})
}

func runWatch(cfg *config.Config, layout paths.Layout, interval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	driver, hist := buildDriver(cfg, layout)
	if hist != nil {
		defer hist.Close()
	}
	watcher := watch.New(interval, layout.SnapshotFile(), func(ctx context.Context, trigger string) {
		driver.Run(ctx, reconcile.Options{Trigger: trigger})
	})
	return watcher.Run(ctx)
}

// runSnapshot regenerates unconditionally; the membership guard only
// applies to the automatic publish inside a pass.
func runSnapshot(cfg *config.Config, layout paths.Layout) error {
	snap, err := snapshot.Generate(layout, time.Now())
	if err != nil {
		return err
	}
	if err := snap.Save(layout.SnapshotFile()); err != nil {
		return err
	}
	fmt.Printf("Snapshot saved: %s (%d units, %d marketplaces)\n",
		layout.SnapshotFile(), len(snap.Plugins), len(snap.Marketplaces))

	if !cfg.GitSync.Enabled {
		return nil
	}
	return gitsync.NewClient(layout.SnapshotDir()).Publish(time.Now(), cfg.GitSync.AutoPush)
}

func printServiceStatus(cfg *config.Config, layout paths.Layout) {
	svc := buildService(cfg, layout)
	fmt.Println("Variant:   ", svc.Variant())
	fmt.Println("Installed: ", svc.Installed())
	fmt.Println("Descriptor:", svc.Describe())
}

func runHistory(layout paths.Layout, limit int) error {
	hist, err := history.Open(layout.HistoryDB())
	if err != nil {
		return err
	}
	defer hist.Close()

	records, err := hist.RecentPasses(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No passes recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  trigger=%-8s installed=%d failed=%d updated=%d published=%-5v %s\n",
			rec.StartedAt.Format(time.RFC3339), rec.Trigger,
			rec.Installed, rec.Failed, rec.Updated, rec.Published, rec.Note)
	}
	return nil
}
