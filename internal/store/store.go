// Package store persists the PulZ engine state in SQLite. A single
// connection plus a process-wide RWMutex serialises writes; reads may run
// concurrently but never observe torn writes. Schema setup is additive:
// tables are created if absent and missing columns are added by the
// migration pass, never dropped or renamed.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pulz/internal/logging"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding signals, proposals, artifacts,
// executions, missions and telemetry events.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initialises the SQLite database at the given path, creating the
// schema and applying pending migrations. Executions still marked running
// from a previous process are failed: in-flight work does not survive a
// restart.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and markedly faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	failed, err := s.FailRunningExecutions("process restart")
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Could not fail stale executions: %v", err)
	} else if failed > 0 {
		logging.Store("Marked %d stale running executions as failed", failed)
	}

	logging.Store("Store ready")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// initialize creates the required tables. The proposal/artifact/mission
// tables are created with their original minimal shape; later columns are
// added by RunMigrations so old databases keep opening.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			source TEXT,
			url TEXT,
			title TEXT,
			body_excerpt TEXT,
			author TEXT,
			created_at TEXT,
			raw_json TEXT,
			scored_json TEXT,
			proposal_id TEXT,
			status TEXT,
			inserted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_source ON signals(source)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			signal_id TEXT,
			status TEXT,
			created_at TEXT,
			updated_at TEXT,
			data_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			proposal_id TEXT,
			created_at TEXT,
			data_json TEXT,
			text TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_proposal ON artifacts(proposal_id)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			started_at TEXT,
			ends_at TEXT,
			status TEXT,
			config_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			proposal_id TEXT,
			mission_id TEXT,
			lane TEXT,
			status TEXT,
			started_at TEXT,
			finished_at TEXT,
			approved_by TEXT,
			inputs_json TEXT,
			outputs_json TEXT,
			logs_text TEXT DEFAULT '',
			error TEXT,
			metrics_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_proposal ON executions(proposal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_mission ON executions(mission_id)`,
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			mission_id TEXT,
			proposal_id TEXT,
			execution_id TEXT,
			type TEXT NOT NULL,
			payload_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_type ON telemetry_events(type)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
