package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the execution tree in sqlite. Run rows hold the
// full record as JSON with the tree-navigation columns indexed; the log
// tables are plain append-only rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the run store at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database handle
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the entity store can share the pool
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_run_id TEXT DEFAULT '',
		entity_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_trace ON runs(trace_id);
	CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);

	CREATE TABLE IF NOT EXISTS model_call_logs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_run ON model_call_logs(run_id);

	CREATE TABLE IF NOT EXISTS tool_call_logs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_call_logs(run_id);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create stores a new run record
func (s *SQLiteStore) Create(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, trace_id, parent_run_id, entity_id, tenant_id, status, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TraceID, r.ParentRunID, r.EntityID, r.TenantID, string(r.Status), string(data), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get retrieves a run by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM runs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var r Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

// Update overwrites a run's mutable fields. Terminal runs are immutable;
// writes against them are rejected.
func (s *SQLiteStore) Update(ctx context.Context, r *Run) error {
	existing, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return &InvalidTransitionError{RunID: r.ID, From: existing.Status, To: r.Status}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, data = ? WHERE id = ?
	`, string(r.Status), string(data), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: r.ID}
	}
	return nil
}

// Transition moves a run through the state machine
func (s *SQLiteStore) Transition(ctx context.Context, id string, next Status) (*Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Status.CanTransitionTo(next) {
		return nil, &InvalidTransitionError{RunID: id, From: r.Status, To: next}
	}

	now := time.Now().UTC()
	r.Status = next
	switch next {
	case StatusRunning:
		r.StartedAt = &now
	case StatusCompleted, StatusFailed:
		r.CompletedAt = &now
	}

	if err := s.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) listRuns(ctx context.Context, where string, arg string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM runs WHERE "+where+" = ? ORDER BY created_at ASC", arg)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r Run
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListByTrace returns every run sharing a trace id, oldest first
func (s *SQLiteStore) ListByTrace(ctx context.Context, traceID string) ([]*Run, error) {
	return s.listRuns(ctx, "trace_id", traceID)
}

// ListChildren returns the direct children of a run, oldest first
func (s *SQLiteStore) ListChildren(ctx context.Context, parentRunID string) ([]*Run, error) {
	return s.listRuns(ctx, "parent_run_id", parentRunID)
}

func (s *SQLiteStore) appendLog(ctx context.Context, table, id, runID string, created time.Time, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, run_id, data, created_at) VALUES (?, ?, ?, ?)",
		id, runID, string(data), created)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// AppendModelCall records a model invocation
func (s *SQLiteStore) AppendModelCall(ctx context.Context, log *ModelCallLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return s.appendLog(ctx, "model_call_logs", log.ID, log.RunID, log.CreatedAt, log)
}

// AppendToolCall records a tool invocation
func (s *SQLiteStore) AppendToolCall(ctx context.Context, log *ToolCallLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return s.appendLog(ctx, "tool_call_logs", log.ID, log.RunID, log.CreatedAt, log)
}

// AppendApproval records an approval decision
func (s *SQLiteStore) AppendApproval(ctx context.Context, a *Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.appendLog(ctx, "approvals", a.ID, a.RunID, a.CreatedAt, a)
}

// AppendUsage records a billable line item
func (s *SQLiteStore) AppendUsage(ctx context.Context, u *UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, run_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.TenantID, u.RunID, string(data), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// ListModelCalls returns the model call log for a run in append order
func (s *SQLiteStore) ListModelCalls(ctx context.Context, runID string) ([]*ModelCallLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM model_call_logs WHERE run_id = ? ORDER BY created_at ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("list model calls: %w", err)
	}
	defer rows.Close()

	var out []*ModelCallLog
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l ModelCallLog
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("unmarshal model call: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListToolCalls returns the tool call log for a run in append order
func (s *SQLiteStore) ListToolCalls(ctx context.Context, runID string) ([]*ToolCallLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM tool_call_logs WHERE run_id = ? ORDER BY created_at ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*ToolCallLog
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l ToolCallLog
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("unmarshal tool call: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListUsage returns usage records for a tenant in append order
func (s *SQLiteStore) ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error) {
	query := "SELECT data FROM usage_records"
	args := []interface{}{}
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var u UsageRecord
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
