// Package filesync propagates shared fleet files from the snapshot
// repository into the tool home. A target is only rewritten when its
// content differs from the source, and writes go through a temporary
// sibling plus rename so a crash never leaves a torn target.
package filesync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plugsync/plugsync/internal/state"
)

// SyncFile copies src over dst when their contents differ, creating
// parent directories as needed. A missing source is not an error; the
// fleet simply does not publish that file. Reports whether dst was
// rewritten.
func SyncFile(src, dst string) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", src, err)
	}
	existing, err := os.ReadFile(dst)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := state.WriteFileAtomic(dst, data); err != nil {
		return false, err
	}
	return true, nil
}

// SyncSkills mirrors every <name>/SKILL.md under srcDir into dstDir and
// returns the number of files rewritten. Entries without a SKILL.md are
// ignored; a failing skill is skipped so the rest still sync, and the
// first failure is returned.
func SyncSkills(srcDir, dstDir string) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read skills directory %s: %w", srcDir, err)
	}

	synced := 0
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name(), "SKILL.md")
		if _, err := os.Stat(src); err != nil {
			continue
		}
		changed, err := SyncFile(src, filepath.Join(dstDir, entry.Name(), "SKILL.md"))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sync skill %s: %w", entry.Name(), err)
			}
			continue
		}
		if changed {
			synced++
		}
	}
	return synced, firstErr
}
