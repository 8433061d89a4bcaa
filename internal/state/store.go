package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/plugsync/plugsync/internal/logfields"
)

// Document is the on-disk install-state file.
type Document struct {
	Plugins   map[string]Record `json:"plugins"`
	Timestamp string            `json:"timestamp"`
}

// legacyDocument is the pre-retry format: a flat list of installed unit
// identifiers with no per-unit metadata.
type legacyDocument struct {
	Plugins   []string `json:"plugins"`
	Timestamp string   `json:"timestamp"`
}

// Store persists install attempt records at a fixed path.
type Store struct {
	path string
}

// NewStore returns a store bound to path.
func NewStore(path string) *Store { return &Store{path: path} }

// Load reads the record set. A missing file yields an empty set. A corrupt
// file also yields an empty set, with a warning, so one bad write never
// blocks reconciliation permanently.
func (s *Store) Load() map[string]Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Install state unreadable, starting empty", logfields.Path(s.path), logfields.Error(err))
		}
		return map[string]Record{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err == nil && doc.Plugins != nil {
		return doc.Plugins
	}

	var legacy legacyDocument
	if err := json.Unmarshal(data, &legacy); err == nil && legacy.Plugins != nil {
		return upgradeLegacy(legacy)
	}

	slog.Warn("Install state corrupt, starting empty", logfields.Path(s.path))
	return map[string]Record{}
}

// upgradeLegacy converts a flat identifier list into one successful record
// per entry, stamped with the document's own timestamp.
func upgradeLegacy(legacy legacyDocument) map[string]Record {
	stamp := legacy.Timestamp
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		stamp = time.Now().UTC().Format(time.RFC3339)
	}
	records := make(map[string]Record, len(legacy.Plugins))
	for _, id := range legacy.Plugins {
		records[id] = Record{Status: StatusInstalled, LastAttempt: stamp, RetryCount: 0}
	}
	slog.Info("Upgraded legacy install state", "units", len(records))
	return records
}

// Save atomically writes the record set. The document is serialized to a
// sibling temporary file and renamed into place so readers never observe a
// truncated or mixed-version file.
func (s *Store) Save(records map[string]Record) error {
	doc := Document{
		Plugins:   records,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal install state: %w", err)
	}
	return WriteFileAtomic(s.path, data)
}

// WriteFileAtomic writes data to path via a temporary sibling and a single
// rename. Rename is atomic within one directory on every supported platform;
// two racing writers leave the last writer's content intact.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s into place: %w", path, err)
	}
	return nil
}
