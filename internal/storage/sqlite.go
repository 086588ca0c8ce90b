// Package storage provides SQLite persistence for registered devices.
// Only credentials and activity timestamps live here: pairing and
// experiment synchronization state are in-memory by design and do not
// survive a process restart.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	"database/sql"

	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when a device lookup fails.
var ErrDeviceNotFound = errors.New("device not found")

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// SQLiteStore persists registered devices using SQLite.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// busy_timeout handles concurrent access from the CLI and a running
	// hub (e.g., during device revocation).
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations so future schema
	// changes can be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the devices table.
func (s *SQLiteStore) migrateToV1() error {
	const devicesTable = `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(devicesTable); err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}

	if err := s.recordSchemaVersion(1); err != nil {
		return err
	}

	log.Printf("storage: migrated schema to v1")
	return nil
}

// recordSchemaVersion marks a schema version as applied.
func (s *SQLiteStore) recordSchemaVersion(version int) error {
	const query = `INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`
	if _, err := s.db.Exec(query, version); err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}
