package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DataDir returns the directory holding uploaded archives and unpacked images.
func DataDir(baseDir string) string {
	return filepath.Join(baseDir, "data")
}

// Init initializes the SQLite database at baseDir/receipts.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.receipts.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	dataDir := DataDir(baseDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	_ = os.Chmod(dataDir, 0700)

	// Pragmas in the connection string apply to every pooled connection.
	// _txlock=immediate makes BeginTx take the write lock up front, so a
	// read-then-write inside one transaction can't interleave with another writer.
	dbPath := filepath.Join(baseDir, "receipts.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, CurrentSchemaVersion)
	}

	// Migration 0 -> 1: Initial schema
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
		  id                       TEXT PRIMARY KEY,
		  owner                    TEXT NOT NULL,
		  current_step             INTEGER NOT NULL DEFAULT 0,
		  payer                    TEXT NOT NULL DEFAULT '',
		  archive_name             TEXT NOT NULL DEFAULT '',
		  api_costs_total          TEXT NOT NULL DEFAULT '0',
		  current_extraction_index INTEGER NOT NULL DEFAULT 0,
		  files_processed          INTEGER NOT NULL DEFAULT 0,
		  progress_percentage      INTEGER NOT NULL DEFAULT 0,
		  current_sort_index       INTEGER NOT NULL DEFAULT 0,
		  is_complete              INTEGER NOT NULL DEFAULT 0,
		  created_at               INTEGER NOT NULL,
		  updated_at               INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_active
		ON sessions(owner)
		WHERE is_complete = 0;

		CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
		ON sessions(owner, created_at DESC);

		CREATE TABLE IF NOT EXISTS extracted_files (
		  id              INTEGER PRIMARY KEY AUTOINCREMENT,
		  session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  filename        TEXT NOT NULL,
		  relative_path   TEXT NOT NULL,
		  is_processed    INTEGER NOT NULL DEFAULT 0,
		  is_skipped      INTEGER NOT NULL DEFAULT 0,
		  extraction_cost TEXT NOT NULL DEFAULT '0',
		  extracted_at    INTEGER,
		  UNIQUE(session_id, filename)
		);

		CREATE TABLE IF NOT EXISTS line_items (
		  id           INTEGER PRIMARY KEY AUTOINCREMENT,
		  session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  file_id      INTEGER NOT NULL REFERENCES extracted_files(id) ON DELETE CASCADE,
		  name         TEXT NOT NULL,
		  price        TEXT NOT NULL,
		  is_confirmed INTEGER NOT NULL DEFAULT 0,
		  created_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_line_items_session
		ON line_items(session_id, is_confirmed, id);

		CREATE INDEX IF NOT EXISTS idx_line_items_file
		ON line_items(file_id);

		CREATE TABLE IF NOT EXISTS assignments (
		  id           INTEGER PRIMARY KEY AUTOINCREMENT,
		  session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  line_item_id INTEGER NOT NULL UNIQUE REFERENCES line_items(id) ON DELETE CASCADE,
		  assignee     TEXT NOT NULL CHECK (assignee IN ('a', 'b', 'shared')),
		  assigned_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_assignments_session
		ON assignments(session_id);

		CREATE TABLE IF NOT EXISTS aggregations (
		  session_id         TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		  total_a            TEXT NOT NULL,
		  total_b            TEXT NOT NULL,
		  total_shared       TEXT NOT NULL,
		  grand_total        TEXT NOT NULL,
		  transfer_amount    TEXT NOT NULL,
		  transfer_direction TEXT NOT NULL,
		  calculated_at      INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
