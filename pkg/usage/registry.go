package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Integration is one billing SKU configured for a tenant. The credential is
// the provider API key to use when the SKU is selected; the unit price is
// USD per single unit (tokens are billed per token).
type Integration struct {
	TenantID     string    `json:"tenant_id"`
	SKU          string    `json:"sku"`
	Credential   string    `json:"credential,omitempty"`
	UnitPriceUSD float64   `json:"unit_price_usd"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// SKUNotFoundError reports a SKU with no integration row for the tenant
type SKUNotFoundError struct {
	TenantID string
	SKU      string
}

func (e *SKUNotFoundError) Error() string {
	return fmt.Sprintf("no integration for sku %s (tenant %s)", e.SKU, e.TenantID)
}

// Registry stores per-tenant integrations keyed by SKU
type Registry interface {
	Lookup(ctx context.Context, tenantID, sku string) (*Integration, error)
	Put(ctx context.Context, i *Integration) error
}

// MemoryRegistry is a map-backed registry for tests and embedded setups
type MemoryRegistry struct {
	mu   sync.RWMutex
	rows map[string]*Integration
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rows: make(map[string]*Integration)}
}

func regKey(tenantID, sku string) string {
	return tenantID + "/" + sku
}

// Lookup finds a tenant's integration for a SKU
func (r *MemoryRegistry) Lookup(ctx context.Context, tenantID, sku string) (*Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.rows[regKey(tenantID, sku)]
	if !ok {
		return nil, &SKUNotFoundError{TenantID: tenantID, SKU: sku}
	}
	cp := *i
	return &cp, nil
}

// Put stores an integration, replacing any existing row for the SKU
func (r *MemoryRegistry) Put(ctx context.Context, i *Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *i
	r.rows[regKey(i.TenantID, i.SKU)] = &cp
	return nil
}

// SQLiteRegistry persists integrations in sqlite, sharing the engine's
// database file.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry wraps an existing database handle
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS integrations (
		tenant_id TEXT NOT NULL,
		sku TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, sku)
	);
	`)
	return err
}

// Lookup finds a tenant's integration for a SKU
func (r *SQLiteRegistry) Lookup(ctx context.Context, tenantID, sku string) (*Integration, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM integrations WHERE tenant_id = ? AND sku = ?", tenantID, sku).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &SKUNotFoundError{TenantID: tenantID, SKU: sku}
	}
	if err != nil {
		return nil, fmt.Errorf("query integration: %w", err)
	}

	var i Integration
	if err := json.Unmarshal([]byte(data), &i); err != nil {
		return nil, fmt.Errorf("unmarshal integration: %w", err)
	}
	return &i, nil
}

// Put upserts an integration row
func (r *SQLiteRegistry) Put(ctx context.Context, i *Integration) error {
	i.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal integration: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO integrations (tenant_id, sku, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, sku) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, i.TenantID, i.SKU, string(data), i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}
