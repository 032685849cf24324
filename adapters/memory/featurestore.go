// Package memory provides in-memory implementations for testing and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/ports"
)

// FeatureStore is an in-memory implementation of ports.FeatureRegistry.
// It shares its lock with any OverrideStore built on top of it so that
// reference checks and writes are atomic across both.
type FeatureStore struct {
	mu        *sync.RWMutex
	flags     map[string]feature.Flag // by key
	overrides *OverrideStore
}

// NewFeatureStore creates a new in-memory feature registry.
func NewFeatureStore() *FeatureStore {
	return &FeatureStore{
		mu:    &sync.RWMutex{},
		flags: make(map[string]feature.Flag),
	}
}

// Get retrieves a flag by key.
func (s *FeatureStore) Get(ctx context.Context, key string) (feature.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[key]
	if !ok {
		return feature.Flag{}, ports.ErrNotFound
	}
	return feature.Clone(f), nil
}

// List returns all flags ordered by key.
func (s *FeatureStore) List(ctx context.Context) ([]feature.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]feature.Flag, 0, len(s.flags))
	for _, f := range s.flags {
		result = append(result, feature.Clone(f))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Create stores a new flag.
func (s *FeatureStore) Create(ctx context.Context, f feature.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[f.Key]; ok {
		return ports.ErrDuplicate
	}
	now := time.Now().UTC()
	f = feature.Clone(f)
	f.CreatedAt, f.UpdatedAt = now, now
	s.flags[f.Key] = f
	return nil
}

// Update replaces the mutable fields of an existing flag.
func (s *FeatureStore) Update(ctx context.Context, f feature.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.flags[f.Key]
	if !ok {
		return ports.ErrNotFound
	}
	updated := feature.Clone(f)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.flags[f.Key] = updated
	return nil
}

// Delete removes a flag that no override references.
func (s *FeatureStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[key]; !ok {
		return ports.ErrNotFound
	}
	if s.overrides != nil && s.overrides.referencesLocked(key) {
		return ports.ErrFeatureInUse
	}
	delete(s.flags, key)
	return nil
}

// Ensure interface compliance.
var _ ports.FeatureRegistry = (*FeatureStore)(nil)
