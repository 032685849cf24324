package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/ports"
)

// TenantStore implements ports.TenantDirectory with SQLite.
type TenantStore struct {
	db *DB
}

// NewTenantStore creates a new SQLite tenant directory.
func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (entitlement.Tenant, error) {
	var t entitlement.Tenant
	err := s.db.QueryRowContext(ctx, `SELECT id, plan_id FROM tenants WHERE id = ?`, id).Scan(&t.ID, &t.Plan)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Tenant{}, ports.ErrNotFound
	}
	return t, err
}

// Put creates or updates a tenant's plan.
func (s *TenantStore) Put(ctx context.Context, t entitlement.Tenant) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, plan_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET plan_id = excluded.plan_id, updated_at = excluded.updated_at
	`, t.ID, t.Plan, now, now)
	return err
}

// List returns all tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context) ([]entitlement.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.Tenant
	for rows.Next() {
		var t entitlement.Tenant
		if err := rows.Scan(&t.ID, &t.Plan); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Ensure interface compliance.
var _ ports.TenantDirectory = (*TenantStore)(nil)
