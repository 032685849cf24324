package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/ports"
)

// FeatureStore implements ports.FeatureRegistry with SQLite.
type FeatureStore struct {
	db *DB
}

// NewFeatureStore creates a new SQLite feature registry.
func NewFeatureStore(db *DB) *FeatureStore {
	return &FeatureStore{db: db}
}

// Get retrieves a flag and its plan matrix by key. Both reads share one
// transaction so a concurrent Update is seen entirely or not at all.
func (s *FeatureStore) Get(ctx context.Context, key string) (feature.Flag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return feature.Flag{}, err
	}
	defer tx.Rollback()

	var f feature.Flag
	err = tx.QueryRowContext(ctx, `
		SELECT key, description, default_enabled, created_at, updated_at
		FROM features WHERE key = ?
	`, key).Scan(&f.Key, &f.Description, &f.DefaultEnabled, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return feature.Flag{}, ports.ErrNotFound
	}
	if err != nil {
		return feature.Flag{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT feature_key, plan_id, enabled FROM feature_plan_access WHERE feature_key = ?
	`, key)
	if err != nil {
		return feature.Flag{}, err
	}
	access, err := scanPlanAccess(rows)
	rows.Close()
	if err != nil {
		return feature.Flag{}, err
	}
	f.PlanAccess = access[key]
	return f, tx.Commit()
}

// List returns all flags ordered by key, read in one transaction.
func (s *FeatureStore) List(ctx context.Context) ([]feature.Flag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT key, description, default_enabled, created_at, updated_at
		FROM features ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	var flags []feature.Flag
	for rows.Next() {
		var f feature.Flag
		if err := rows.Scan(&f.Key, &f.Description, &f.DefaultEnabled, &f.CreatedAt, &f.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		flags = append(flags, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accessRows, err := tx.QueryContext(ctx, `SELECT feature_key, plan_id, enabled FROM feature_plan_access`)
	if err != nil {
		return nil, err
	}
	access, err := scanPlanAccess(accessRows)
	accessRows.Close()
	if err != nil {
		return nil, err
	}
	for i := range flags {
		flags[i].PlanAccess = access[flags[i].Key]
	}
	return flags, tx.Commit()
}

// Create stores a new flag with its plan matrix.
func (s *FeatureStore) Create(ctx context.Context, f feature.Flag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO features (key, description, default_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.Key, f.Description, f.DefaultEnabled, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ports.ErrDuplicate
		}
		return err
	}

	if err := writePlanAccess(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// Update replaces description, default and plan matrix.
func (s *FeatureStore) Update(ctx context.Context, f feature.Flag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE features SET description = ?, default_enabled = ?, updated_at = ?
		WHERE key = ?
	`, f.Description, f.DefaultEnabled, time.Now().UTC(), f.Key)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_plan_access WHERE feature_key = ?`, f.Key); err != nil {
		return err
	}
	if err := writePlanAccess(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a flag that no override references.
func (s *FeatureStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM overrides WHERE feature_key = ?`, key).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: %d override(s)", ports.ErrFeatureInUse, refs)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM features WHERE key = ?`, key)
	if err != nil {
		if isForeignKeyError(err) {
			return ports.ErrFeatureInUse
		}
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return tx.Commit()
}

func writePlanAccess(ctx context.Context, tx *sql.Tx, f feature.Flag) error {
	for _, plan := range feature.Plans(f) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_plan_access (feature_key, plan_id, enabled) VALUES (?, ?, ?)
		`, f.Key, plan, f.PlanAccess[plan]); err != nil {
			return fmt.Errorf("write plan access %s/%s: %w", f.Key, plan, err)
		}
	}
	return nil
}

// scanPlanAccess groups plan matrix rows by feature key.
func scanPlanAccess(rows *sql.Rows) (map[string]map[string]bool, error) {
	access := make(map[string]map[string]bool)
	for rows.Next() {
		var key, plan string
		var enabled bool
		if err := rows.Scan(&key, &plan, &enabled); err != nil {
			return nil, err
		}
		if access[key] == nil {
			access[key] = make(map[string]bool)
		}
		access[key][plan] = enabled
	}
	return access, rows.Err()
}

// Ensure interface compliance.
var _ ports.FeatureRegistry = (*FeatureStore)(nil)
