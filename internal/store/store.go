package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hivebase/hive/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that address a missing row where
// nil would be ambiguous.
var ErrNotFound = errors.New("not found")

// Swarm statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	// Agent-only terminal statuses.
	StatusSkipped  = "skipped"
	StatusTimedOut = "timed_out"
)

// IsTerminalAgentStatus reports whether an agent status is terminal.
func IsTerminalAgentStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped, StatusTimedOut:
		return true
	}
	return false
}

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL for concurrent read/write access; busy timeout so writers
	// retry instead of immediately returning SQLITE_BUSY. Concurrent
	// task claimers serialize on the single writer lock.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			working_dir       TEXT NOT NULL,
			branch_prefix     TEXT NOT NULL DEFAULT '',
			base_branch       TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'pending',
			auto_synthesize   BOOLEAN NOT NULL DEFAULT FALSE,
			auto_supervise    BOOLEAN NOT NULL DEFAULT FALSE,
			synthesis_output  TEXT NOT NULL DEFAULT '',
			synthesis_summary TEXT NOT NULL DEFAULT '',
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at        DATETIME,
			completed_at      DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_agents (
			id                   TEXT PRIMARY KEY,
			swarm_id             TEXT NOT NULL REFERENCES swarms(id),
			name                 TEXT NOT NULL,
			role                 TEXT NOT NULL DEFAULT '',
			mode                 TEXT NOT NULL DEFAULT 'assigned',
			prompt               TEXT NOT NULL DEFAULT '',
			dependencies         TEXT NOT NULL DEFAULT '[]',
			model                TEXT NOT NULL DEFAULT '',
			allowed_tools        TEXT NOT NULL DEFAULT '[]',
			sandbox              TEXT NOT NULL DEFAULT '',
			timeout_seconds      INTEGER NOT NULL DEFAULT 0,
			max_tasks            INTEGER NOT NULL DEFAULT 0,
			max_duration_seconds INTEGER NOT NULL DEFAULT 0,
			task_types           TEXT NOT NULL DEFAULT '[]',
			status               TEXT NOT NULL DEFAULT 'pending',
			output               TEXT NOT NULL DEFAULT '',
			summary              TEXT NOT NULL DEFAULT '',
			error                TEXT NOT NULL DEFAULT '',
			tool_calls           INTEGER NOT NULL DEFAULT 0,
			session_id           TEXT NOT NULL DEFAULT '',
			branch               TEXT NOT NULL DEFAULT '',
			created_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at           DATETIME,
			completed_at         DATETIME,
			UNIQUE(swarm_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON swarm_agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id         TEXT PRIMARY KEY,
			swarm_id   TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'open',
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			closed_at  DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS session_blocks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id),
			seq        INTEGER NOT NULL,
			block_type TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			ok         BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_session ON session_blocks(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS project_tasks (
			id             TEXT PRIMARY KEY,
			description    TEXT NOT NULL,
			task_type      TEXT NOT NULL DEFAULT '',
			required_tools TEXT NOT NULL DEFAULT '[]',
			priority       INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'ready',
			claimed_by     TEXT NOT NULL DEFAULT '',
			claimed_at     DATETIME,
			error          TEXT NOT NULL DEFAULT '',
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready ON project_tasks(status, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_schedules (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			schedule       TEXT NOT NULL,
			description    TEXT NOT NULL,
			task_type      TEXT NOT NULL DEFAULT '',
			required_tools TEXT NOT NULL DEFAULT '[]',
			priority       INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'active',
			last_status    TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT '',
			last_run_at    DATETIME,
			next_run_at    DATETIME,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_scratchpad (
			swarm_id   TEXT NOT NULL REFERENCES swarms(id),
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			author     TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (swarm_id, key)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
