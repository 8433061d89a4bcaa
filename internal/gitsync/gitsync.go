// Package gitsync is the version-control bridge that distributes the
// snapshot directory across the fleet. The directory is an ordinary git
// worktree; machines converge by pulling it and publish by committing.
package gitsync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/plugsync/plugsync/internal/logfields"
)

// Client operates on the snapshot worktree.
type Client struct {
	dir string
}

// NewClient returns a client for the given worktree directory.
func NewClient(dir string) *Client { return &Client{dir: dir} }

// Synced reports whether the snapshot directory is a git worktree at all.
// Machines without a configured remote simply run unsynchronized.
func (c *Client) Synced() bool {
	_, err := os.Stat(filepath.Join(c.dir, ".git"))
	return err == nil
}

// Pull fetches and fast-forwards the snapshot worktree. Already-up-to-date
// is success; a directory that is not a repository is success too, since
// synchronization is optional per machine.
func (c *Client) Pull() error {
	if !c.Synced() {
		slog.Debug("Snapshot directory not under version control, skipping pull", logfields.Path(c.dir))
		return nil
	}
	repository, err := git.PlainOpen(c.dir)
	if err != nil {
		return fmt.Errorf("open snapshot repository: %w", err)
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	err = worktree.Pull(&git.PullOptions{RemoteName: "origin"})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("pull snapshot repository: %w", err)
	}
	if err == git.NoErrAlreadyUpToDate {
		slog.Debug("Snapshot repository already up to date")
	} else if ref, herr := repository.Head(); herr == nil {
		slog.Info("Snapshot repository updated", "commit", ref.Hash().String()[:8])
	} else {
		slog.Info("Snapshot repository updated")
	}
	return nil
}

// Publish stages everything in the worktree, commits when anything changed,
// and optionally pushes. A push failure is non-fatal: the local commit is
// the durable part, and the next machine to pull still converges once a
// later push succeeds.
func (c *Client) Publish(now time.Time, push bool) error {
	if !c.Synced() {
		slog.Debug("Snapshot directory not under version control, skipping publish", logfields.Path(c.dir))
		return nil
	}
	repository, err := git.PlainOpen(c.dir)
	if err != nil {
		return fmt.Errorf("open snapshot repository: %w", err)
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage snapshot changes: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		slog.Debug("No snapshot changes to commit")
		return nil
	}

	stamp := now.UTC().Format("2006-01-02T15:04:05Z")
	message := "Update snapshot - " + stamp
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "plugsync", Email: "plugsync@localhost", When: now},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	slog.Info("Snapshot committed", "commit", hash.String()[:8], "message", message)

	if !push {
		return nil
	}
	if err := repository.Push(&git.PushOptions{RemoteName: "origin"}); err != nil && err != git.NoErrAlreadyUpToDate {
		slog.Warn("Snapshot push failed, will retry on a later pass", logfields.Error(err))
		return nil
	}
	slog.Info("Snapshot pushed")
	return nil
}
