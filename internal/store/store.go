package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devstack/phaserun/internal/config"
	_ "modernc.org/sqlite"
)

// Store keeps the execution history mirror and schedule definitions.
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

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_log (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT,
			agent             TEXT NOT NULL,
			status            TEXT NOT NULL,
			execution_time_ms REAL NOT NULL,
			error             TEXT,
			recorded_at       DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_agent ON execution_log(agent, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_run ON execution_log(run_id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			agents      TEXT NOT NULL,
			context     TEXT,
			schedule    TEXT NOT NULL,
			source      TEXT DEFAULT 'api',
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			last_run_id TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_runs_next ON scheduled_runs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
