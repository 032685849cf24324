// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/domain/override"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher hashes and verifies secrets (admin tokens).
type Hasher interface {
	Hash(plaintext string) ([]byte, error)
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// FeatureRegistry holds the canonical feature definitions.
// Reads never fail except with ErrNotFound for an unknown key (or an
// I/O error when the backing store is unreachable). Writes take effect for
// all subsequent resolutions.
type FeatureRegistry interface {
	// Get retrieves a flag by key.
	Get(ctx context.Context, key string) (feature.Flag, error)

	// List returns all flags ordered by key.
	List(ctx context.Context) ([]feature.Flag, error)

	// Create stores a new flag. Returns ErrDuplicate if the key exists.
	Create(ctx context.Context, f feature.Flag) error

	// Update replaces description, default and plan matrix of a flag.
	Update(ctx context.Context, f feature.Flag) error

	// Delete removes a flag. Returns ErrFeatureInUse while overrides reference it.
	Delete(ctx context.Context, key string) error
}

// OverrideStore holds tenant-scoped, time-bounded overrides.
// It is the only place the non-overlap invariant is enforced.
type OverrideStore interface {
	// FindActive returns the override whose window contains asOf, or nil.
	FindActive(ctx context.Context, tenantID, featureKey string, asOf time.Time) (*override.Override, error)

	// Get retrieves an override by ID.
	Get(ctx context.Context, id string) (override.Override, error)

	// Upsert creates or edits an override. Fails with ErrOverlappingWindow,
	// ErrUnknownFeature, ErrInvalidWindow or ErrScopeChange.
	Upsert(ctx context.Context, o override.Override) error

	// Update edits an existing override and never creates one. Fails with
	// ErrNotFound when the ID is gone, plus the Upsert errors.
	Update(ctx context.Context, o override.Override) error

	// Revoke deletes an override. Revoking an unknown ID succeeds.
	Revoke(ctx context.Context, id string) error

	// ListForTenant returns every override of a tenant (active, future, expired).
	ListForTenant(ctx context.Context, tenantID string) ([]override.Override, error)
}

// TenantDirectory resolves a tenant ID to its subscription plan.
type TenantDirectory interface {
	// Get retrieves a tenant by ID.
	Get(ctx context.Context, id string) (entitlement.Tenant, error)

	// Put creates or updates a tenant's plan.
	Put(ctx context.Context, t entitlement.Tenant) error

	// List returns all tenants ordered by ID.
	List(ctx context.Context) ([]entitlement.Tenant, error)
}

// Pinger checks backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
