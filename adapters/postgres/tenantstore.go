package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/ports"
)

// TenantStore implements ports.TenantDirectory with PostgreSQL.
type TenantStore struct {
	db *DB
}

// NewTenantStore creates a new PostgreSQL tenant directory.
func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (entitlement.Tenant, error) {
	var t entitlement.Tenant
	err := s.db.QueryRow(ctx, `SELECT id, plan_id FROM tenants WHERE id = $1`, id).Scan(&t.ID, &t.Plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlement.Tenant{}, ports.ErrNotFound
	}
	return t, err
}

// Put creates or updates a tenant's plan.
func (s *TenantStore) Put(ctx context.Context, t entitlement.Tenant) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (id, plan_id, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET plan_id = EXCLUDED.plan_id, updated_at = EXCLUDED.updated_at
	`, t.ID, t.Plan, now)
	return err
}

// List returns all tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context) ([]entitlement.Tenant, error) {
	rows, err := s.db.Query(ctx, `SELECT id, plan_id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entitlement.Tenant, error) {
		var t entitlement.Tenant
		err := row.Scan(&t.ID, &t.Plan)
		return t, err
	})
}

// Ensure interface compliance.
var _ ports.TenantDirectory = (*TenantStore)(nil)
