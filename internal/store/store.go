package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akyriacou/synod/internal/config"
	_ "modernc.org/sqlite"
)

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

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
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
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			type        TEXT,
			state       TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL REFERENCES swarms(id),
			agent_id     TEXT,
			name         TEXT NOT NULL,
			type         TEXT,
			priority     TEXT NOT NULL,
			state        TEXT NOT NULL,
			attempts     INTEGER DEFAULT 0,
			forced       BOOLEAN DEFAULT FALSE,
			conflicts    TEXT,
			error        TEXT,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			view         INTEGER NOT NULL,
			sequence     INTEGER NOT NULL,
			digest       TEXT NOT NULL,
			value        TEXT NOT NULL,
			votes        INTEGER NOT NULL,
			committed_at DATETIME NOT NULL,
			PRIMARY KEY (view, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS recurring_specs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			spec        TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_next_run ON recurring_specs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
