package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
)

const overrideColumns = `id, tenant_id, feature_key, enabled, start_date, expiry_date, created_by, created_at, updated_at`

// OverrideStore implements ports.OverrideStore with PostgreSQL.
// Writes for one tenant and feature are serialized by a transaction-scoped
// advisory lock so the overlap check cannot race another writer.
type OverrideStore struct {
	db *DB
}

// NewOverrideStore creates a new PostgreSQL override store.
func NewOverrideStore(db *DB) *OverrideStore {
	return &OverrideStore{db: db}
}

// FindActive returns the override whose window contains asOf.
func (s *OverrideStore) FindActive(ctx context.Context, tenantID, featureKey string, asOf time.Time) (*override.Override, error) {
	o, err := getOverride(ctx, s.db, `
		SELECT `+overrideColumns+`
		FROM overrides
		WHERE tenant_id = $1 AND feature_key = $2
		  AND (start_date IS NULL OR start_date <= $3::date)
		  AND (expiry_date IS NULL OR expiry_date >= $3::date)
		ORDER BY start_date NULLS FIRST
		LIMIT 1
	`, tenantID, featureKey, override.Day(asOf))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Get retrieves an override by ID.
func (s *OverrideStore) Get(ctx context.Context, id string) (override.Override, error) {
	o, err := getOverride(ctx, s.db, `SELECT `+overrideColumns+` FROM overrides WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return override.Override{}, ports.ErrNotFound
	}
	return o, err
}

// Upsert creates or edits an override.
func (s *OverrideStore) Upsert(ctx context.Context, o override.Override) error {
	return s.write(ctx, o, false)
}

// Update edits an override that must already exist. The row lock taken
// by SELECT ... FOR UPDATE holds off a concurrent revoke.
func (s *OverrideStore) Update(ctx context.Context, o override.Override) error {
	return s.write(ctx, o, true)
}

func (s *OverrideStore) write(ctx context.Context, o override.Override, mustExist bool) error {
	if err := o.Window.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockKey := o.TenantID + "/" + o.FeatureKey
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return fmt.Errorf("lock override scope: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM features WHERE key = $1)`, o.FeatureKey).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, o.FeatureKey)
	}

	existing, err := getOverride(ctx, tx, `SELECT `+overrideColumns+` FROM overrides WHERE id = $1 FOR UPDATE`, o.ID)
	switch {
	case err == nil:
		if !override.SameScope(existing, o) {
			return ports.ErrScopeChange
		}
	case errors.Is(err, pgx.ErrNoRows):
		if mustExist {
			return fmt.Errorf("%w: override %s", ports.ErrNotFound, o.ID)
		}
	default:
		return err
	}

	var conflictID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM overrides
		WHERE tenant_id = $1 AND feature_key = $2 AND id <> $3
		  AND (start_date IS NULL OR $4::date IS NULL OR start_date <= $4::date)
		  AND (expiry_date IS NULL OR $5::date IS NULL OR expiry_date >= $5::date)
		LIMIT 1
	`, o.TenantID, o.FeatureKey, o.ID, o.Window.Expiry, o.Window.Start).Scan(&conflictID)
	if err == nil {
		return fmt.Errorf("%w: conflicts with %s", ports.ErrOverlappingWindow, conflictID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	now := time.Now().UTC()
	if mustExist {
		if _, err := tx.Exec(ctx, `
			UPDATE overrides SET enabled = $1, start_date = $2, expiry_date = $3, updated_at = $4
			WHERE id = $5
		`, o.Enabled, o.Window.Start, o.Window.Expiry, now, o.ID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO overrides (`+overrideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			start_date = EXCLUDED.start_date,
			expiry_date = EXCLUDED.expiry_date,
			updated_at = EXCLUDED.updated_at
	`, o.ID, o.TenantID, o.FeatureKey, o.Enabled, o.Window.Start, o.Window.Expiry, o.CreatedBy, now, now)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, o.FeatureKey)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Revoke deletes an override. Unknown IDs are a no-op.
func (s *OverrideStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM overrides WHERE id = $1`, id)
	return err
}

// ListForTenant returns every override of a tenant.
func (s *OverrideStore) ListForTenant(ctx context.Context, tenantID string) ([]override.Override, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (override.Override, error) {
		return scanOverride(row)
	})
	if err != nil {
		return nil, err
	}
	override.Sort(result)
	return result, nil
}

func getOverride(ctx context.Context, q queryRower, sql string, args ...any) (override.Override, error) {
	return scanOverride(q.QueryRow(ctx, sql, args...))
}

func scanOverride(row pgx.Row) (override.Override, error) {
	var o override.Override
	var start, expiry *time.Time
	if err := row.Scan(
		&o.ID, &o.TenantID, &o.FeatureKey, &o.Enabled,
		&start, &expiry, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return override.Override{}, err
	}
	o.Window = override.NewWindow(start, expiry)
	return o, nil
}

// Ensure interface compliance.
var _ ports.OverrideStore = (*OverrideStore)(nil)
