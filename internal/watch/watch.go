// Package watch runs reconciliation passes in the foreground: on a fixed
// interval, and immediately when the shared snapshot changes on disk. This
// is the long-running alternative to OS-level scheduling, used on machines
// where no login service can be registered.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"github.com/plugsync/plugsync/internal/logfields"
)

// PassFunc runs one reconciliation pass attributed to trigger.
type PassFunc func(ctx context.Context, trigger string)

// Watcher couples the interval scheduler with a snapshot file watcher.
type Watcher struct {
	interval     time.Duration
	snapshotFile string
	run          PassFunc
	debounce     time.Duration
}

// New builds a watcher. interval is the periodic pass cadence;
// snapshotFile is the snapshot document whose changes trigger an
// immediate pass.
func New(interval time.Duration, snapshotFile string, run PassFunc) *Watcher {
	return &Watcher{
		interval:     interval,
		snapshotFile: snapshotFile,
		run:          run,
		// Editors and git checkouts produce event bursts; coalesce them.
		debounce: 2 * time.Second,
	}
}

// Run blocks until ctx is cancelled, executing passes on schedule and on
// snapshot changes. One immediate pass runs at startup.
func (w *Watcher) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Warn("Scheduler shutdown failed", logfields.Error(err))
		}
	}()

	_, err = scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.run(ctx, "interval") }),
		gocron.WithName("reconcile-interval"),
	)
	if err != nil {
		return fmt.Errorf("schedule periodic pass: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsWatcher.Close()

	// Watch the directory: the snapshot is replaced by rename, and a watch
	// on the file itself would be lost with the old inode.
	snapshotDir := filepath.Dir(w.snapshotFile)
	if err := fsWatcher.Add(snapshotDir); err != nil {
		return fmt.Errorf("watch snapshot directory %s: %w", snapshotDir, err)
	}

	slog.Info("Watch mode started",
		"interval", w.interval.String(), logfields.Path(w.snapshotFile))

	scheduler.Start()
	w.run(ctx, "startup")

	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			slog.Info("Watch mode stopping")
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			slog.Debug("Snapshot change detected", logfields.Path(event.Name), "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(w.debounce)
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.run(ctx, "snapshot-change")
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", logfields.Error(err))
		}
	}
}

// relevant filters events to writes and renames of the snapshot file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.snapshotFile) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}
