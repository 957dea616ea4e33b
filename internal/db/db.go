// Package db handles database operations for Muster
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Projects own work items and carry repository coordinates
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_full_name TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		github_token TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		workdir TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Agents are executable identities that claim work items
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		max_concurrency INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	-- Work items are the unit of schedulable work
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		work_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_agent_id TEXT,
		locked_at INTEGER,
		locked_by_agent_id TEXT,
		github_issue_number INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (assigned_agent_id) REFERENCES agents(id)
	);

	-- Runs record one execution attempt of a work item by an agent.
	-- agent_id is nullable: reconciliation may create a run for an
	-- issue-imported work item before any agent is assigned.
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT,
		work_item_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		outcome TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		logs TEXT NOT NULL DEFAULT '',
		artifacts_url TEXT NOT NULL DEFAULT '',
		github_pr_number INTEGER,
		github_pr_head_sha TEXT NOT NULL DEFAULT '',
		github_pr_url TEXT NOT NULL DEFAULT '',
		external_group_id TEXT NOT NULL DEFAULT '',
		costs TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (agent_id) REFERENCES agents(id),
		FOREIGN KEY (work_item_id) REFERENCES work_items(id)
	);

	-- Indexes for leasing and reconciliation lookups
	CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
	CREATE INDEX IF NOT EXISTS idx_work_items_project ON work_items(project_id);
	CREATE INDEX IF NOT EXISTS idx_work_items_priority ON work_items(priority DESC);
	CREATE INDEX IF NOT EXISTS idx_work_items_issue ON work_items(project_id, github_issue_number);
	CREATE INDEX IF NOT EXISTS idx_runs_work_item ON runs(work_item_id);
	CREATE INDEX IF NOT EXISTS idx_runs_pr_number ON runs(github_pr_number);
	CREATE INDEX IF NOT EXISTS idx_runs_head_sha ON runs(github_pr_head_sha);
	CREATE INDEX IF NOT EXISTS idx_runs_external_group ON runs(external_group_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key
		ON runs(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`

	_, err := s.DB.Exec(schema)
	return err
}
