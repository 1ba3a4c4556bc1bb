package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store. Zero setup, suited to
// development, tests and single-process deployments. WAL mode keeps
// reads concurrent with the single writer.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{path: path}
	s.db = db
	s.now = time.Now
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source. Test hook.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			full_name TEXT NOT NULL,
			national_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			email TEXT NOT NULL,
			state TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			lease_worker TEXT,
			lease_acquired_at TEXT,
			lease_expires_at TEXT,
			created_at TEXT NOT NULL,
			submitted_at TEXT,
			processed_at TEXT,
			decided_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_owner ON applications(owner_id)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			application_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			filename TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			storage_handle TEXT NOT NULL,
			ocr_status TEXT NOT NULL,
			ocr_text TEXT NOT NULL DEFAULT '',
			ocr_confidence REAL NOT NULL DEFAULT 0,
			ocr_error TEXT NOT NULL DEFAULT '',
			ocr_attempt INTEGER NOT NULL DEFAULT 0,
			extract_status TEXT NOT NULL,
			extract_fields TEXT,
			extract_confidence REAL NOT NULL DEFAULT 0,
			extract_error TEXT NOT NULL DEFAULT '',
			extract_attempt INTEGER NOT NULL DEFAULT 0,
			UNIQUE(application_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			application_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			payload TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			UNIQUE(application_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_application ON workflow_steps(application_id)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			application_id TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			benefit_amount INTEGER,
			decided_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
