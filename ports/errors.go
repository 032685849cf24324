package ports

import (
	"errors"

	"github.com/artpar/featuregate/domain/override"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when creating an entity that already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrUnknownFeature is returned when a feature key has no registry entry.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrOverlappingWindow is returned when an override window would overlap
	// another stored window for the same tenant and feature.
	ErrOverlappingWindow = errors.New("overlapping override window")

	// ErrInvalidWindow is returned when a window starts after it expires.
	ErrInvalidWindow = override.ErrInvalidWindow

	// ErrScopeChange is returned when an edit tries to move an override to
	// another tenant or feature.
	ErrScopeChange = errors.New("override tenant and feature cannot change")

	// ErrFeatureInUse is returned when deleting a flag that overrides reference.
	ErrFeatureInUse = errors.New("feature referenced by overrides")

	// ErrInvalidTenant is returned when a tenant lacks an ID or plan.
	ErrInvalidTenant = errors.New("tenant id and plan are required")

	// ErrUpstreamUnavailable is returned when the registry or override store
	// cannot be reached. Callers must treat it as deny.
	ErrUpstreamUnavailable = errors.New("entitlement upstream unavailable")
)
