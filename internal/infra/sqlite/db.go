// Package sqlite persists token balances and the ledger entry log.
// Several processes may open the same directory; the database file is the
// shared store and compare-and-swap updates keep them consistent.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "tokens.db"

// DB wraps the SQLite connection pool.
type DB struct {
	db           *sql.DB
	path         string
	pollInterval time.Duration
}

// Open opens (creating if needed) the database in dir and runs migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	// Immediate transactions take the write lock up front so a
	// read-then-write never fails on a stale snapshot.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(8)

	db := &DB{db: sqlDB, path: path, pollInterval: time.Second}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close releases the connection pool.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	for _, stmt := range LedgerMigrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// LedgerMigrations returns the schema statements, one per Exec.
func LedgerMigrations() []string {
	return []string{
		// One row per account. version is a store-wide sequence bumped on
		// every write so watchers can find what changed since their last scan.
		`CREATE TABLE IF NOT EXISTS balances (
			account_id TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL CHECK (balance >= 0),
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balances_version ON balances(version)`,

		// Append-only entry log
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			id                TEXT NOT NULL UNIQUE,
			account_id        TEXT NOT NULL,
			delta             INTEGER NOT NULL,
			reason            TEXT NOT NULL,
			idempotency_key   TEXT,
			resulting_balance INTEGER NOT NULL,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_key
			ON ledger_entries(account_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
	}
}
