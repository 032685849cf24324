package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/ports"
)

// TenantStore is an in-memory implementation of ports.TenantDirectory.
type TenantStore struct {
	mu      sync.RWMutex
	tenants map[string]entitlement.Tenant
}

// NewTenantStore creates a new in-memory tenant directory.
func NewTenantStore() *TenantStore {
	return &TenantStore{tenants: make(map[string]entitlement.Tenant)}
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (entitlement.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return entitlement.Tenant{}, ports.ErrNotFound
	}
	return t, nil
}

// Put creates or updates a tenant.
func (s *TenantStore) Put(ctx context.Context, t entitlement.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

// List returns all tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context) ([]entitlement.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]entitlement.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Ensure interface compliance.
var _ ports.TenantDirectory = (*TenantStore)(nil)
