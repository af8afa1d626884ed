package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/machina/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/machina.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow instead of Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, rec *DefinitionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, description, source, format, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   description=excluded.description, source=excluded.source,
		   format=excluded.format, updated_at=excluded.updated_at`,
		rec.Name, nullStr(rec.Description), rec.Source, rec.Format,
		timeOrNow(rec.CreatedAt), time.Now(),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name string) (*DefinitionRecord, error) {
	rec := &DefinitionRecord{}
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, source, format, created_at, updated_at
		 FROM definitions WHERE name = ?`, name,
	).Scan(&rec.Name, &description, &rec.Source, &rec.Format, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", name)
	}
	if err != nil {
		return nil, err
	}
	rec.Description = description.String
	return rec, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, source, format, created_at, updated_at
		 FROM definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DefinitionRecord
	for rows.Next() {
		rec := &DefinitionRecord{}
		var description sql.NullString
		if err := rows.Scan(&rec.Name, &description, &rec.Source, &rec.Format, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Description = description.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", name)
}

// --- Runs ---

func (s *LibSQLStore) RecordRun(ctx context.Context, rec *RunRecord) error {
	if !rec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeStore,
			"refusing to record non-terminal run %s (%s)", rec.RunID, rec.Status)
	}
	vars, err := marshalMapOrNull(rec.Vars)
	if err != nil {
		return fmt.Errorf("marshal run vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow, status, final_state, failed_state, error, states_executed, vars, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Workflow, string(rec.Status),
		nullStr(rec.FinalState), nullStr(rec.FailedState), nullStr(rec.Error),
		rec.StatesExecuted, vars, timeOrNow(rec.StartedAt), timeOrNow(rec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec := &RunRecord{}
	var finalState, failedState, errMsg, vars sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow, status, final_state, failed_state, error, states_executed, vars, started_at, completed_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &rec.Workflow, &status, &finalState, &failedState, &errMsg,
		&rec.StatesExecuted, &vars, &rec.StartedAt, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.RunStatus(status)
	rec.FinalState = finalState.String
	rec.FailedState = failedState.String
	rec.Error = errMsg.String
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &rec.Vars); err != nil {
			return nil, fmt.Errorf("unmarshal run vars: %w", err)
		}
	}
	return rec, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	query := `SELECT run_id, workflow, status, final_state, failed_state, error, states_executed, vars, started_at, completed_at FROM runs`
	var conds []string
	var args []any
	if filter.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY completed_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var finalState, failedState, errMsg, vars sql.NullString
		var status string
		if err := rows.Scan(&rec.RunID, &rec.Workflow, &status, &finalState, &failedState, &errMsg,
			&rec.StatesExecuted, &vars, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.RunStatus(status)
		rec.FinalState = finalState.String
		rec.FailedState = failedState.String
		rec.Error = errMsg.String
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &rec.Vars); err != nil {
				return nil, fmt.Errorf("unmarshal run vars: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) SaveSchedule(ctx context.Context, rec *ScheduleRecord) error {
	params, err := marshalMapOrNull(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal schedule params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow, cron_expr, params, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow=excluded.workflow, cron_expr=excluded.cron_expr,
		   params=excluded.params, enabled=excluded.enabled`,
		rec.ID, rec.Workflow, rec.CronExpr, params, boolInt(rec.Enabled), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context) ([]*ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, cron_expr, params, enabled, created_at FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleRecord
	for rows.Next() {
		rec := &ScheduleRecord{}
		var params sql.NullString
		var enabled int
		if err := rows.Scan(&rec.ID, &rec.Workflow, &rec.CronExpr, &params, &enabled, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Enabled = enabled != 0
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
				return nil, fmt.Errorf("unmarshal schedule params: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.MachinaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrNull(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
