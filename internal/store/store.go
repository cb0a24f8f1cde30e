// Package store is the embedded relational store backing the review engine.
// Sessions, comments, users and OAuth artefacts live in a single sqlite file
// opened in WAL mode; it is the only persistent shared state in the server.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite handle. All writes go through it, which makes the
// database write lock the per-session serialisation point.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		backend_type     TEXT NOT NULL CHECK (backend_type IN ('local', 'hosted')),
		repo_path        TEXT NOT NULL DEFAULT '',
		target_branch    TEXT NOT NULL DEFAULT '',
		owner            TEXT NOT NULL DEFAULT '',
		repo             TEXT NOT NULL DEFAULT '',
		pr_number        INTEGER NOT NULL DEFAULT 0,
		auth_token_ref   TEXT NOT NULL DEFAULT '',
		project          TEXT NOT NULL,
		branch           TEXT NOT NULL,
		registered_files TEXT NOT NULL DEFAULT '{}',
		manual_additions TEXT NOT NULL DEFAULT '[]',
		manual_removals  TEXT NOT NULL DEFAULT '[]',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS comments (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		parent_id         TEXT,
		file              TEXT NOT NULL DEFAULT '',
		line              INTEGER NOT NULL DEFAULT 0,
		side              TEXT NOT NULL DEFAULT '',
		text              TEXT NOT NULL,
		author            TEXT NOT NULL,
		line_content      TEXT NOT NULL DEFAULT '',
		context_before    TEXT NOT NULL DEFAULT '',
		context_after     TEXT NOT NULL DEFAULT '',
		line_content_hash TEXT NOT NULL DEFAULT '',
		resolved          INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,

		FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		FOREIGN KEY(parent_id) REFERENCES comments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_comments_session ON comments(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_comments_parent ON comments(parent_id);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		api_key    TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oauth_clients (
		id            TEXT PRIMARY KEY,
		secret        TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		redirect_uris TEXT NOT NULL DEFAULT '[]',
		scopes        TEXT NOT NULL DEFAULT '["read"]',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oauth_state (
		state          TEXT PRIMARY KEY,
		client_id      TEXT NOT NULL,
		redirect_uri   TEXT NOT NULL,
		scope          TEXT NOT NULL DEFAULT 'read',
		code_challenge TEXT NOT NULL DEFAULT '',
		code           TEXT UNIQUE,
		expires_at     INTEGER NOT NULL,
		created_at     TEXT NOT NULL,

		FOREIGN KEY(client_id) REFERENCES oauth_clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		token      TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT 'read',
		expires_at INTEGER NOT NULL,
		created_at TEXT NOT NULL,

		FOREIGN KEY(client_id) REFERENCES oauth_clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token      TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT 'read',
		expires_at INTEGER NOT NULL,
		created_at TEXT NOT NULL,

		FOREIGN KEY(client_id) REFERENCES oauth_clients(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
