package store

import (
	"database/sql"
	"fmt"

	"pulz/internal/logging"
)

// Migration adds a column to an existing table. Additive only: columns
// are never dropped or renamed, so old databases keep opening.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply. These handle
// databases created before the execution subsystem existed.
var pendingMigrations = []Migration{
	// Proposal lifecycle extensions over the original six-column table.
	{"proposals", "execution_mode", "TEXT DEFAULT 'manual'"},
	{"proposals", "mission_id", "TEXT"},
	{"proposals", "approved_at", "TEXT"},
	{"proposals", "executing_at", "TEXT"},
	{"proposals", "executed_at", "TEXT"},
	// Revenue accounting. estimated_revenue_cents is reserved: carried
	// through reads and writes but not yet populated by any code path.
	{"proposals", "estimated_revenue_cents", "INTEGER"},
	{"proposals", "realized_revenue_cents", "INTEGER"},
	// Artifact provenance columns (added for execution capture).
	{"artifacts", "execution_id", "TEXT"},
	{"artifacts", "kind", "TEXT DEFAULT 'json'"},
	{"artifacts", "path", "TEXT"},
	{"artifacts", "sha256", "TEXT"},
	// Mission authority mode.
	{"missions", "authority_mode", "TEXT DEFAULT 'auto_draft_queue'"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail.
			logging.Get(logging.CategoryStore).Warn("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
