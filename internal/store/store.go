// Package store is the SQLite-backed shared store. All merges are
// natural-key upserts so polling and webhook writes are idempotent and
// indistinguishable; externally-versioned rows carry a monotonic
// row-version guard that silently drops stale updates.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the database connection
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One logical connection: store mutations within a unit of work are
	// sequential, and an in-memory database stays a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT 'user',
		avatar_url TEXT,
		token TEXT NOT NULL DEFAULT '',
		mentions_since TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL UNIQUE,
		private BOOLEAN NOT NULL DEFAULT 0,
		has_issues BOOLEAN NOT NULL DEFAULT 1,
		row_version INTEGER NOT NULL DEFAULT 0,
		issues_since TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS repo_access (
		repository_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		push BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (repository_id, user_id),
		FOREIGN KEY (user_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS org_memberships (
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (org_id, user_id),
		FOREIGN KEY (org_id) REFERENCES accounts(id),
		FOREIGN KEY (user_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS milestones (
		id INTEGER PRIMARY KEY,
		repository_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		state TEXT NOT NULL,
		description TEXT,
		due_on TIMESTAMP,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		closed_at TIMESTAMP,
		FOREIGN KEY (repository_id) REFERENCES repositories(id),
		UNIQUE(repository_id, number)
	);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP,
		user_id INTEGER,
		milestone_id INTEGER,
		repository_id INTEGER NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT 0,
		comment_count INTEGER NOT NULL DEFAULT 0,
		is_pull_request BOOLEAN NOT NULL DEFAULT 0,
		FOREIGN KEY (user_id) REFERENCES accounts(id),
		FOREIGN KEY (milestone_id) REFERENCES milestones(id),
		FOREIGN KEY (repository_id) REFERENCES repositories(id),
		UNIQUE(repository_id, number)
	);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY,
		issue_id INTEGER NOT NULL,
		user_id INTEGER,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id),
		FOREIGN KEY (user_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS labels (
		id INTEGER PRIMARY KEY,
		repository_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		color TEXT NOT NULL,
		FOREIGN KEY (repository_id) REFERENCES repositories(id)
	);

	CREATE TABLE IF NOT EXISTS issue_labels (
		issue_id INTEGER NOT NULL,
		label_id INTEGER NOT NULL,
		PRIMARY KEY (issue_id, label_id),
		FOREIGN KEY (issue_id) REFERENCES issues(id),
		FOREIGN KEY (label_id) REFERENCES labels(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS issue_assignees (
		issue_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (issue_id, user_id),
		FOREIGN KEY (issue_id) REFERENCES issues(id),
		FOREIGN KEY (user_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS repo_assignees (
		repository_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (repository_id, user_id),
		FOREIGN KEY (repository_id) REFERENCES repositories(id),
		FOREIGN KEY (user_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS issue_events (
		id INTEGER PRIMARY KEY,
		issue_id INTEGER NOT NULL,
		actor_id INTEGER,
		event TEXT NOT NULL,
		commit_id TEXT,
		created_at TIMESTAMP,
		commit_sha TEXT,
		commit_message TEXT,
		commit_author_login TEXT,
		commit_authored_at TIMESTAMP,
		xref_number INTEGER,
		xref_title TEXT,
		xref_state TEXT,
		xref_repo TEXT,
		xref_is_pr BOOLEAN,
		FOREIGN KEY (issue_id) REFERENCES issues(id)
	);

	CREATE TABLE IF NOT EXISTS reactions (
		id INTEGER PRIMARY KEY,
		issue_id INTEGER,
		comment_id INTEGER,
		user_id INTEGER,
		content TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hooks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER,
		org_id INTEGER,
		secret TEXT NOT NULL,
		github_id INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP,
		last_ping TIMESTAMP,
		ping_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS hooks_repo ON hooks(repository_id) WHERE repository_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS hooks_org ON hooks(org_id) WHERE org_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS cache_metadata (
		key TEXT PRIMARY KEY,
		etag TEXT NOT NULL DEFAULT '',
		expires TIMESTAMP NOT NULL,
		last_refresh TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		account_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}
