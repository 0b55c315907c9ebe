// Package sqlite is the default durable store: orchestration instances and
// the operation journal live in one SQLite file under the data directory.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// FileName is the database file created inside the data directory.
const FileName = "transferd.db"

// DB wraps the SQLite handle.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	sqlDB, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under load.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one per entry.
func Migrations() []string {
	return []string{
		// Orchestration instances; body holds the full continuation as JSON.
		`CREATE TABLE IF NOT EXISTS transfers (
			id            TEXT PRIMARY KEY,
			reference_id  TEXT NOT NULL UNIQUE,
			run_id        TEXT NOT NULL,
			state         TEXT NOT NULL,
			awaiting      TEXT NOT NULL,
			result_status TEXT,
			body          TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_state ON transfers(state)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_created ON transfers(created_at)`,

		// Operation journal: one row per applied (reference, operation).
		`CREATE TABLE IF NOT EXISTS operation_journal (
			reference_id   TEXT NOT NULL,
			operation      TEXT NOT NULL,
			account        TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			transaction_id TEXT NOT NULL,
			recorded_at    TEXT NOT NULL,
			PRIMARY KEY (reference_id, operation)
		)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
