package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the shared relational Store for multi-instance
// deployments. The DSN must enable parseTime-free string scanning;
// timestamps are stored as fixed-width UTC strings, matching the
// SQLite backend.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore opens a connection pool against the given DSN, for
// example "user:pass@tcp(db:3306)/benefitflow".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{}
	s.db = db
	s.now = time.Now
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source. Test hook.
func (s *MySQLStore) SetClock(now func() time.Time) { s.now = now }

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(191) NOT NULL,
			full_name VARCHAR(255) NOT NULL,
			national_id VARCHAR(64) NOT NULL,
			phone VARCHAR(32) NOT NULL,
			email VARCHAR(255) NOT NULL,
			state VARCHAR(32) NOT NULL,
			progress INT NOT NULL DEFAULT 0,
			cancel_requested TINYINT NOT NULL DEFAULT 0,
			lease_worker VARCHAR(191),
			lease_acquired_at VARCHAR(40),
			lease_expires_at VARCHAR(40),
			created_at VARCHAR(40) NOT NULL,
			submitted_at VARCHAR(40),
			processed_at VARCHAR(40),
			decided_at VARCHAR(40),
			updated_at VARCHAR(40) NOT NULL,
			INDEX idx_applications_owner (owner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id VARCHAR(36) PRIMARY KEY,
			application_id VARCHAR(36) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			byte_size BIGINT NOT NULL,
			content_type VARCHAR(128) NOT NULL,
			storage_handle VARCHAR(191) NOT NULL,
			ocr_status VARCHAR(16) NOT NULL,
			ocr_text MEDIUMTEXT NOT NULL,
			ocr_confidence DOUBLE NOT NULL DEFAULT 0,
			ocr_error TEXT NOT NULL,
			ocr_attempt INT NOT NULL DEFAULT 0,
			extract_status VARCHAR(16) NOT NULL,
			extract_fields MEDIUMTEXT,
			extract_confidence DOUBLE NOT NULL DEFAULT 0,
			extract_error TEXT NOT NULL,
			extract_attempt INT NOT NULL DEFAULT 0,
			UNIQUE KEY uniq_app_kind (application_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id VARCHAR(36) PRIMARY KEY,
			application_id VARCHAR(36) NOT NULL,
			sequence INT NOT NULL,
			step_name VARCHAR(64) NOT NULL,
			from_state VARCHAR(32) NOT NULL,
			to_state VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			payload MEDIUMTEXT,
			started_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40),
			duration_ms BIGINT NOT NULL DEFAULT 0,
			attempt INT NOT NULL DEFAULT 1,
			UNIQUE KEY uniq_app_sequence (application_id, sequence),
			INDEX idx_steps_application (application_id)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			application_id VARCHAR(36) PRIMARY KEY,
			outcome VARCHAR(32) NOT NULL,
			confidence DOUBLE NOT NULL,
			reasoning TEXT NOT NULL,
			benefit_amount BIGINT,
			decided_at VARCHAR(40) NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
