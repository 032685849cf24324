package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
)

const overrideColumns = `id, tenant_id, feature_key, enabled, start_date, expiry_date, created_by, created_at, updated_at`

// OverrideStore implements ports.OverrideStore with SQLite.
type OverrideStore struct {
	db *DB
}

// NewOverrideStore creates a new SQLite override store.
func NewOverrideStore(db *DB) *OverrideStore {
	return &OverrideStore{db: db}
}

// FindActive returns the override whose window contains asOf.
// Dates are stored as YYYY-MM-DD so lexical comparison is chronological.
func (s *OverrideStore) FindActive(ctx context.Context, tenantID, featureKey string, asOf time.Time) (*override.Override, error) {
	day := override.Day(asOf).Format(override.DateLayout)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+overrideColumns+`
		FROM overrides
		WHERE tenant_id = ? AND feature_key = ?
		  AND (start_date IS NULL OR start_date <= ?)
		  AND (expiry_date IS NULL OR expiry_date >= ?)
		ORDER BY start_date
		LIMIT 1
	`, tenantID, featureKey, day, day)

	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Get retrieves an override by ID.
func (s *OverrideStore) Get(ctx context.Context, id string) (override.Override, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE id = ?`, id)
	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return override.Override{}, ports.ErrNotFound
	}
	return o, err
}

// Upsert creates or edits an override. The conflict check and the write run
// in one immediate transaction.
func (s *OverrideStore) Upsert(ctx context.Context, o override.Override) error {
	return s.write(ctx, o, false)
}

// Update edits an override that must already exist. A concurrent revoke
// either commits first (ErrNotFound) or waits for this transaction.
func (s *OverrideStore) Update(ctx context.Context, o override.Override) error {
	return s.write(ctx, o, true)
}

func (s *OverrideStore) write(ctx context.Context, o override.Override, mustExist bool) error {
	if err := o.Window.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM features WHERE key = ?`, o.FeatureKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, o.FeatureKey)
	}
	if err != nil {
		return err
	}

	existing, err := scanOverride(tx.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE id = ?`, o.ID))
	switch {
	case err == nil:
		if !override.SameScope(existing, o) {
			return ports.ErrScopeChange
		}
	case errors.Is(err, sql.ErrNoRows):
		if mustExist {
			return fmt.Errorf("%w: override %s", ports.ErrNotFound, o.ID)
		}
	default:
		return err
	}

	start, expiry := dateArg(o.Window.Start), dateArg(o.Window.Expiry)
	var conflictID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM overrides
		WHERE tenant_id = ? AND feature_key = ? AND id != ?
		  AND (start_date IS NULL OR ? IS NULL OR start_date <= ?)
		  AND (expiry_date IS NULL OR ? IS NULL OR expiry_date >= ?)
		LIMIT 1
	`, o.TenantID, o.FeatureKey, o.ID, expiry, expiry, start, start).Scan(&conflictID)
	if err == nil {
		return fmt.Errorf("%w: conflicts with %s", ports.ErrOverlappingWindow, conflictID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := time.Now().UTC()
	if mustExist {
		_, err = tx.ExecContext(ctx, `
			UPDATE overrides SET enabled = ?, start_date = ?, expiry_date = ?, updated_at = ?
			WHERE id = ?
		`, o.Enabled, start, expiry, now, o.ID)
		if err != nil {
			return err
		}
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO overrides (`+overrideColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			start_date = excluded.start_date,
			expiry_date = excluded.expiry_date,
			updated_at = excluded.updated_at
	`, o.ID, o.TenantID, o.FeatureKey, o.Enabled, start, expiry, o.CreatedBy, now, now)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, o.FeatureKey)
		}
		return err
	}

	return tx.Commit()
}

// Revoke deletes an override. Unknown IDs are a no-op.
func (s *OverrideStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE id = ?`, id)
	return err
}

// ListForTenant returns every override of a tenant.
func (s *OverrideStore) ListForTenant(ctx context.Context, tenantID string) ([]override.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+overrideColumns+` FROM overrides WHERE tenant_id = ?
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []override.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	override.Sort(result)
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (override.Override, error) {
	var o override.Override
	var start, expiry sql.NullString
	if err := row.Scan(
		&o.ID, &o.TenantID, &o.FeatureKey, &o.Enabled,
		&start, &expiry, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return override.Override{}, err
	}

	var err error
	if o.Window.Start, err = parseDateColumn(start); err != nil {
		return override.Override{}, err
	}
	if o.Window.Expiry, err = parseDateColumn(expiry); err != nil {
		return override.Override{}, err
	}
	return o, nil
}

func parseDateColumn(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	return override.ParseDate(v.String)
}

func dateArg(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: override.FormatDate(t, ""), Valid: true}
}

// Ensure interface compliance.
var _ ports.OverrideStore = (*OverrideStore)(nil)
