package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/ports"
)

// FeatureStore implements ports.FeatureRegistry with PostgreSQL.
type FeatureStore struct {
	db *DB
}

// NewFeatureStore creates a new PostgreSQL feature registry.
func NewFeatureStore(db *DB) *FeatureStore {
	return &FeatureStore{db: db}
}

// snapshot is a read-only transaction whose statements all see the same
// committed state.
var snapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Get retrieves a flag and its plan matrix by key from one snapshot.
func (s *FeatureStore) Get(ctx context.Context, key string) (feature.Flag, error) {
	tx, err := s.db.BeginTx(ctx, snapshot)
	if err != nil {
		return feature.Flag{}, err
	}
	defer tx.Rollback(ctx)

	var f feature.Flag
	err = tx.QueryRow(ctx, `
		SELECT key, description, default_enabled, created_at, updated_at
		FROM features WHERE key = $1
	`, key).Scan(&f.Key, &f.Description, &f.DefaultEnabled, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return feature.Flag{}, ports.ErrNotFound
	}
	if err != nil {
		return feature.Flag{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT feature_key, plan_id, enabled FROM feature_plan_access WHERE feature_key = $1
	`, key)
	if err != nil {
		return feature.Flag{}, err
	}
	access, err := collectPlanAccess(rows)
	if err != nil {
		return feature.Flag{}, err
	}
	f.PlanAccess = access[key]
	return f, tx.Commit(ctx)
}

// List returns all flags ordered by key from one snapshot.
func (s *FeatureStore) List(ctx context.Context) ([]feature.Flag, error) {
	tx, err := s.db.BeginTx(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT key, description, default_enabled, created_at, updated_at
		FROM features ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	flags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (feature.Flag, error) {
		var f feature.Flag
		err := row.Scan(&f.Key, &f.Description, &f.DefaultEnabled, &f.CreatedAt, &f.UpdatedAt)
		return f, err
	})
	if err != nil {
		return nil, err
	}

	accessRows, err := tx.Query(ctx, `SELECT feature_key, plan_id, enabled FROM feature_plan_access`)
	if err != nil {
		return nil, err
	}
	access, err := collectPlanAccess(accessRows)
	if err != nil {
		return nil, err
	}
	for i := range flags {
		flags[i].PlanAccess = access[flags[i].Key]
	}
	return flags, tx.Commit(ctx)
}

// Create stores a new flag with its plan matrix.
func (s *FeatureStore) Create(ctx context.Context, f feature.Flag) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO features (key, description, default_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.Key, f.Description, f.DefaultEnabled, now, now)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return ports.ErrDuplicate
		}
		return err
	}

	if err := writePlanAccess(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Update replaces description, default and plan matrix.
func (s *FeatureStore) Update(ctx context.Context, f feature.Flag) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE features SET description = $2, default_enabled = $3, updated_at = $4
		WHERE key = $1
	`, f.Key, f.Description, f.DefaultEnabled, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM feature_plan_access WHERE feature_key = $1`, f.Key); err != nil {
		return err
	}
	if err := writePlanAccess(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a flag that no override references.
func (s *FeatureStore) Delete(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM features WHERE key = $1`, key)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return ports.ErrFeatureInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func writePlanAccess(ctx context.Context, tx pgx.Tx, f feature.Flag) error {
	batch := &pgx.Batch{}
	for _, plan := range feature.Plans(f) {
		batch.Queue(`
			INSERT INTO feature_plan_access (feature_key, plan_id, enabled) VALUES ($1, $2, $3)
		`, f.Key, plan, f.PlanAccess[plan])
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write plan access %s: %w", f.Key, err)
	}
	return nil
}

// collectPlanAccess groups plan matrix rows by feature key and closes rows.
func collectPlanAccess(rows pgx.Rows) (map[string]map[string]bool, error) {
	defer rows.Close()
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
