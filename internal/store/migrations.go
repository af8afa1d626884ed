package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const migration001SQL = `
-- Workflow definition documents, keyed by workflow name.
CREATE TABLE IF NOT EXISTS definitions (
	name        TEXT PRIMARY KEY,
	description TEXT,
	source      TEXT NOT NULL,
	format      TEXT NOT NULL DEFAULT 'yaml',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Terminal run outcomes. Live run state is never stored.
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	workflow        TEXT NOT NULL,
	status          TEXT NOT NULL,
	final_state     TEXT,
	failed_state    TEXT,
	error           TEXT,
	states_executed INTEGER NOT NULL DEFAULT 0,
	vars            TEXT,
	started_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

-- Cron-triggered launches.
CREATE TABLE IF NOT EXISTS schedules (
	id         TEXT PRIMARY KEY,
	workflow   TEXT NOT NULL,
	cron_expr  TEXT NOT NULL,
	params     TEXT,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001SQL},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, handling comments.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		lines := strings.Split(s, "\n")
		hasCode := false
		for _, l := range lines {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
