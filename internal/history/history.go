// Package history records an audit trail of reconciliation passes in a
// local sqlite database. The trail is per machine and never synchronized;
// it exists so an operator can see what the unattended service has been
// doing without scraping logs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// PassRecord summarizes one finished reconciliation pass.
type PassRecord struct {
	ID         int64
	PassID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Trigger    string
	Installed  int
	Failed     int
	Updated    int
	Published  bool
	Note       string
}

// Store is a sqlite-backed pass journal.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and initializes) the journal at dbPath. Use ":memory:" for
// an ephemeral store in tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS passes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pass_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		trigger_kind TEXT NOT NULL,
		installed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		published INTEGER NOT NULL,
		note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordPass appends one pass summary.
func (s *Store) RecordPass(ctx context.Context, rec PassRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	published := 0
	if rec.Published {
		published = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passes (pass_id, started_at, finished_at, trigger_kind, installed, failed, updated, published, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PassID, rec.StartedAt.Unix(), rec.FinishedAt.Unix(), rec.Trigger,
		rec.Installed, rec.Failed, rec.Updated, published, rec.Note,
	)
	if err != nil {
		return fmt.Errorf("insert pass record: %w", err)
	}
	return nil
}

// RecentPasses returns the most recent passes, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pass_id, started_at, finished_at, trigger_kind, installed, failed, updated, published, note
		 FROM passes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pass records: %w", err)
	}
	defer rows.Close()

	var records []PassRecord
	for rows.Next() {
		var rec PassRecord
		var started, finished int64
		var published int
		if err := rows.Scan(&rec.ID, &rec.PassID, &started, &finished, &rec.Trigger,
			&rec.Installed, &rec.Failed, &rec.Updated, &published, &rec.Note); err != nil {
			return nil, fmt.Errorf("scan pass record: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0).UTC()
		rec.FinishedAt = time.Unix(finished, 0).UTC()
		rec.Published = published != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}
