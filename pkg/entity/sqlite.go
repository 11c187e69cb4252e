package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists entity definitions in sqlite. Rows hold the full
// definition as JSON with the columns needed for lookup indexed separately.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the entity store at path
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

// NewSQLiteStoreFromDB wraps an existing database handle, sharing one
// connection pool with the run store.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_id TEXT DEFAULT '',
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entities_tenant ON entities(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get retrieves an entity by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entity, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM entities WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}

	var e Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &e, nil
}

// List returns all entities, optionally filtered by tenant
func (s *SQLiteStore) List(ctx context.Context, tenantID string) ([]*Entity, error) {
	query := "SELECT data FROM entities"
	args := []interface{}{}
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var results []*Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e Entity
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entity: %w", err)
		}
		results = append(results, &e)
	}
	return results, rows.Err()
}

// Put validates and upserts an entity definition
func (s *SQLiteStore) Put(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, tenant_id, name, type, status, parent_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			parent_id = excluded.parent_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, e.ID, e.TenantID, e.Name, string(e.Type), string(e.Status), e.ParentID, string(data), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// Delete removes an entity by id
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}
