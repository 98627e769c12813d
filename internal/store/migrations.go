// Package store - versioned schema migrations. Migrations are idempotent
// and additive: adding columns or indexes never destroys data, and an
// already-applied migration is skipped quietly.
package store

import (
	"database/sql"
	"fmt"

	"muse/internal/logging"
)

// Migration defines an additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply. These handle
// databases created by earlier versions that are missing newer columns.
var pendingMigrations = []Migration{
	// Episode compression tracking (added with the layered context assembly)
	{"episodes", "compression_level", "INTEGER DEFAULT 0"},
	{"episodes", "facts_extracted", "BOOLEAN DEFAULT FALSE"},
	// Fact access tracking (added for recall reinforcement)
	{"facts", "access_count", "INTEGER DEFAULT 0"},
	{"facts", "last_accessed", "DATETIME"},
	// Task failure accounting split out of run_count
	{"scheduled_tasks", "success_count", "INTEGER DEFAULT 0"},
	{"scheduled_tasks", "failure_count", "INTEGER DEFAULT 0"},
	// Summary index metadata
	{"session_summaries", "topic_preview", "TEXT DEFAULT ''"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail.
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if applied > 0 {
		logging.Store("Schema migrations complete: %d applied", applied)
	}
	return nil
}

// tableExists checks whether a table is present in the database.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

// columnExists checks whether a column is present on a table.
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
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
