package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
)

// OverrideStore is an in-memory implementation of ports.OverrideStore.
type OverrideStore struct {
	features  *FeatureStore
	overrides map[string]override.Override // by ID
}

// NewOverrideStore creates an override store validating keys against features.
func NewOverrideStore(features *FeatureStore) *OverrideStore {
	s := &OverrideStore{
		features:  features,
		overrides: make(map[string]override.Override),
	}
	features.mu.Lock()
	features.overrides = s
	features.mu.Unlock()
	return s
}

// FindActive returns the override whose window contains asOf.
func (s *OverrideStore) FindActive(ctx context.Context, tenantID, featureKey string, asOf time.Time) (*override.Override, error) {
	s.features.mu.RLock()
	defer s.features.mu.RUnlock()

	for _, o := range s.overrides {
		if o.TenantID == tenantID && o.FeatureKey == featureKey && o.Window.Contains(asOf) {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

// Get retrieves an override by ID.
func (s *OverrideStore) Get(ctx context.Context, id string) (override.Override, error) {
	s.features.mu.RLock()
	defer s.features.mu.RUnlock()

	o, ok := s.overrides[id]
	if !ok {
		return override.Override{}, ports.ErrNotFound
	}
	return o, nil
}

// Upsert creates or edits an override, enforcing the non-overlap invariant.
func (s *OverrideStore) Upsert(ctx context.Context, o override.Override) error {
	return s.write(o, false)
}

// Update edits an override that must already exist.
func (s *OverrideStore) Update(ctx context.Context, o override.Override) error {
	return s.write(o, true)
}

func (s *OverrideStore) write(o override.Override, mustExist bool) error {
	if err := o.Window.Validate(); err != nil {
		return err
	}

	s.features.mu.Lock()
	defer s.features.mu.Unlock()

	if _, ok := s.features.flags[o.FeatureKey]; !ok {
		return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, o.FeatureKey)
	}

	now := time.Now().UTC()
	if existing, ok := s.overrides[o.ID]; ok {
		if !override.SameScope(existing, o) {
			return ports.ErrScopeChange
		}
		o.CreatedAt = existing.CreatedAt
		o.CreatedBy = existing.CreatedBy
	} else if mustExist {
		return fmt.Errorf("%w: override %s", ports.ErrNotFound, o.ID)
	} else {
		o.CreatedAt = now
	}

	if conflict, ok := override.FindConflict(s.scopeLocked(o.TenantID, o.FeatureKey), o); ok {
		return fmt.Errorf("%w: conflicts with %s (%s)", ports.ErrOverlappingWindow, conflict.ID, conflict.Window)
	}

	o.UpdatedAt = now
	s.overrides[o.ID] = o
	return nil
}

// Revoke deletes an override. Unknown IDs are a no-op.
func (s *OverrideStore) Revoke(ctx context.Context, id string) error {
	s.features.mu.Lock()
	defer s.features.mu.Unlock()

	delete(s.overrides, id)
	return nil
}

// ListForTenant returns all overrides for a tenant.
func (s *OverrideStore) ListForTenant(ctx context.Context, tenantID string) ([]override.Override, error) {
	s.features.mu.RLock()
	defer s.features.mu.RUnlock()

	var result []override.Override
	for _, o := range s.overrides {
		if o.TenantID == tenantID {
			result = append(result, o)
		}
	}
	override.Sort(result)
	return result, nil
}

// Count returns the number of stored overrides (for testing).
func (s *OverrideStore) Count() int {
	s.features.mu.RLock()
	defer s.features.mu.RUnlock()
	return len(s.overrides)
}

func (s *OverrideStore) scopeLocked(tenantID, featureKey string) []override.Override {
	var result []override.Override
	for _, o := range s.overrides {
		if o.TenantID == tenantID && o.FeatureKey == featureKey {
			result = append(result, o)
		}
	}
	return result
}

func (s *OverrideStore) referencesLocked(featureKey string) bool {
	for _, o := range s.overrides {
		if o.FeatureKey == featureKey {
			return true
		}
	}
	return false
}

// Ensure interface compliance.
var _ ports.OverrideStore = (*OverrideStore)(nil)
