// Package store implements the durable tabular store backing muse:
// sessions, episodes, summaries, facts, scheduled tasks and task
// executions live in a single SQLite database with per-table indexes.
//
// All in-memory copies elsewhere in the system are caches and must be
// reconstructible from this store.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"muse/internal/logging"
)

// Store wraps the SQLite database. Writes are serialized through the
// internal mutex; the connection pool is shared read-mostly.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema and running additive migrations. Failure here is fatal to startup.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create directory %s: %v", ErrUnavailable, dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables and applies migrations.
func (s *Store) initialize() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`

	// UNIQUE(session_id, exchange_number) backs the gap-free ordering
	// invariant; only the memory writer assigns exchange numbers.
	episodesTable := `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		exchange_number INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		user_text TEXT NOT NULL,
		agent_text TEXT NOT NULL,
		summary TEXT DEFAULT '',
		importance REAL DEFAULT 0.5,
		in_buffer BOOLEAN DEFAULT TRUE,
		summarized BOOLEAN DEFAULT FALSE,
		compression_level INTEGER DEFAULT 0,
		facts_extracted BOOLEAN DEFAULT FALSE,
		UNIQUE(session_id, exchange_number)
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id);
	CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_episodes_in_buffer ON episodes(in_buffer);
	`

	summariesTable := `
	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary_type TEXT NOT NULL,
		content TEXT NOT NULL,
		source_episode_ids TEXT DEFAULT '[]',
		importance REAL DEFAULT 0.5,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id);
	CREATE INDEX IF NOT EXISTS idx_summaries_type ON summaries(summary_type);
	CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at DESC);
	`

	sessionSummariesTable := `
	CREATE TABLE IF NOT EXISTS session_summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		data TEXT NOT NULL,
		timestamp_start DATETIME,
		timestamp_end DATETIME,
		topic_preview TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_session_summaries_created ON session_summaries(created_at DESC);
	`

	factsTable := `
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		fact_type TEXT NOT NULL,
		content TEXT NOT NULL,
		context TEXT DEFAULT '',
		importance REAL DEFAULT 0.5,
		access_count INTEGER DEFAULT 0,
		last_accessed DATETIME,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		fingerprint TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_type ON facts(fact_type);
	CREATE INDEX IF NOT EXISTS idx_facts_timestamp ON facts(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_facts_importance ON facts(importance DESC);
	CREATE INDEX IF NOT EXISTS idx_facts_access_count ON facts(access_count DESC);
	CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id);
	CREATE INDEX IF NOT EXISTS idx_facts_episode ON facts(episode_id);
	CREATE INDEX IF NOT EXISTS idx_facts_fingerprint ON facts(fingerprint);
	`

	tasksTable := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		schedule_expression TEXT NOT NULL,
		template_name TEXT NOT NULL,
		template_config TEXT DEFAULT '{}',
		enabled BOOLEAN DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_run DATETIME,
		next_run DATETIME,
		run_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON scheduled_tasks(enabled);
	CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
	`

	executionsTable := `
	CREATE TABLE IF NOT EXISTS task_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		success BOOLEAN DEFAULT FALSE,
		error_message TEXT DEFAULT '',
		output TEXT DEFAULT '',
		duration_seconds REAL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_started ON task_executions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_incomplete ON task_executions(completed_at) WHERE completed_at IS NULL;
	`

	for _, table := range []string{
		sessionsTable,
		episodesTable,
		summariesTable,
		sessionSummariesTable,
		factsTable,
		tasksTable,
		executionsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("%w: failed to create table: %v", ErrMigration, err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. The facts store uses
// this handle for its own queries while index ownership stays with the
// schema defined here.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error. Multi-table
// mutations (task + execution, episode + facts) go through here so partial
// mutations are never observed after a crash.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Error("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrConflict, err)
	}
	return nil
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"sessions", "episodes", "summaries", "session_summaries",
		"facts", "scheduled_tasks", "task_executions",
	}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed (may not exist): %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
