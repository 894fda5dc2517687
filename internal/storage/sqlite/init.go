package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	platform TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	repo_revision TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL,
	selected_files TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	total_bytes INTEGER,
	transferred_bytes INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_eligible_at TEXT,
	last_class TEXT NOT NULL DEFAULT '',
	last_error TEXT,
	revision INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_files (
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	size INTEGER,
	materialized INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	verified BOOLEAN NOT NULL DEFAULT 0,
	complete BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, path)
);
`

// InitDB opens the SQLite database at path and creates the task tables if they don't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serialises writers; one connection avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
