// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

// EntitlementResolver decides access for one tenant and feature.
// *Resolver is the production implementation; caches depend on this
// interface so tests can count and gate resolutions.
type EntitlementResolver interface {
	Resolve(ctx context.Context, tenant entitlement.Tenant, featureKey string, asOf time.Time) (entitlement.Decision, error)
}

// Resolver reads the registry and override store and applies the
// precedence rules in domain/entitlement.
type Resolver struct {
	features  ports.FeatureRegistry
	overrides ports.OverrideStore
	clock     ports.Clock
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

// NewResolver creates a resolver. metrics may be nil.
func NewResolver(
	features ports.FeatureRegistry,
	overrides ports.OverrideStore,
	clock ports.Clock,
	logger zerolog.Logger,
	m *metrics.Collector,
) *Resolver {
	return &Resolver{
		features:  features,
		overrides: overrides,
		clock:     clock,
		metrics:   m,
		logger:    logger.With().Str("service", "resolver").Logger(),
	}
}

// Resolve decides whether tenant may use featureKey at asOf.
//
// An unknown feature yields a deny decision with reason UNKNOWN_FEATURE and
// a nil error. When the registry or override store cannot be read, the
// returned decision denies access and the error wraps
// ports.ErrUpstreamUnavailable.
func (r *Resolver) Resolve(ctx context.Context, tenant entitlement.Tenant, featureKey string, asOf time.Time) (entitlement.Decision, error) {
	start := time.Now()

	flag, err := r.features.Get(ctx, featureKey)
	if errors.Is(err, ports.ErrNotFound) {
		d := entitlement.Resolve(tenant, featureKey, nil, nil)
		r.metrics.ObserveResolution(string(d.Reason), d.Allowed, time.Since(start).Seconds())
		return d, nil
	}
	if err != nil {
		return r.failClosed(featureKey, tenant, "registry", err)
	}

	active, err := r.overrides.FindActive(ctx, tenant.ID, featureKey, asOf)
	if err != nil {
		return r.failClosed(featureKey, tenant, "overrides", err)
	}

	d := entitlement.Resolve(tenant, featureKey, &flag, active)
	r.metrics.ObserveResolution(string(d.Reason), d.Allowed, time.Since(start).Seconds())

	r.logger.Debug().
		Str("tenant_id", tenant.ID).
		Str("plan", tenant.Plan).
		Str("feature", featureKey).
		Bool("allowed", d.Allowed).
		Str("reason", string(d.Reason)).
		Msg("resolved")

	return d, nil
}

// ResolveNow resolves at the current clock time.
func (r *Resolver) ResolveNow(ctx context.Context, tenant entitlement.Tenant, featureKey string) (entitlement.Decision, error) {
	return r.Resolve(ctx, tenant, featureKey, r.clock.Now())
}

// ResolveAll resolves every registered feature for a tenant at asOf.
// It reads the registry and the tenant's overrides once each.
func (r *Resolver) ResolveAll(ctx context.Context, tenant entitlement.Tenant, asOf time.Time) ([]entitlement.Decision, error) {
	start := time.Now()
	flags, err := r.features.List(ctx)
	if err != nil {
		r.metrics.UpstreamFailure("registry")
		return nil, fmt.Errorf("%w: list features: %w", ports.ErrUpstreamUnavailable, err)
	}

	all, err := r.overrides.ListForTenant(ctx, tenant.ID)
	if err != nil {
		r.metrics.UpstreamFailure("overrides")
		return nil, fmt.Errorf("%w: list overrides: %w", ports.ErrUpstreamUnavailable, err)
	}

	var active []override.Override
	for _, o := range all {
		if o.Window.Contains(asOf) {
			active = append(active, o)
		}
	}

	decisions := entitlement.ResolveAll(tenant, flags, active)
	elapsed := time.Since(start).Seconds()
	for _, d := range decisions {
		r.metrics.ObserveResolution(string(d.Reason), d.Allowed, elapsed)
	}
	return decisions, nil
}

func (r *Resolver) failClosed(featureKey string, tenant entitlement.Tenant, source string, err error) (entitlement.Decision, error) {
	r.metrics.UpstreamFailure(source)
	r.logger.Warn().
		Err(err).
		Str("tenant_id", tenant.ID).
		Str("feature", featureKey).
		Str("source", source).
		Msg("upstream unavailable, denying")
	return entitlement.Decision{FeatureKey: featureKey}, fmt.Errorf("%w: %s: %w", ports.ErrUpstreamUnavailable, source, err)
}

var _ EntitlementResolver = (*Resolver)(nil)
