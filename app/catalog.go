package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

// Catalog manages feature definitions and the tenant directory.
type Catalog struct {
	features ports.FeatureRegistry
	tenants  ports.TenantDirectory
	clock    ports.Clock
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewCatalog creates a catalog service. bus may be nil.
func NewCatalog(
	features ports.FeatureRegistry,
	tenants ports.TenantDirectory,
	clock ports.Clock,
	bus *events.Bus,
	logger zerolog.Logger,
) *Catalog {
	return &Catalog{
		features: features,
		tenants:  tenants,
		clock:    clock,
		bus:      bus,
		logger:   logger.With().Str("service", "catalog").Logger(),
	}
}

// Feature returns a flag by key.
func (c *Catalog) Feature(ctx context.Context, key string) (feature.Flag, error) {
	return c.features.Get(ctx, key)
}

// Features lists every flag.
func (c *Catalog) Features(ctx context.Context) ([]feature.Flag, error) {
	return c.features.List(ctx)
}

// PutFeature creates the flag or replaces its definition. It reports
// whether the flag was created.
func (c *Catalog) PutFeature(ctx context.Context, f feature.Flag) (bool, error) {
	if err := feature.ValidateKey(f.Key); err != nil {
		return false, err
	}

	created := false
	_, err := c.features.Get(ctx, f.Key)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		err = c.features.Create(ctx, f)
		created = err == nil
		// Lost a race with another creator; fall through to update.
		if errors.Is(err, ports.ErrDuplicate) {
			err = c.features.Update(ctx, f)
		}
	case err == nil:
		err = c.features.Update(ctx, f)
	}
	if err != nil {
		return false, fmt.Errorf("put feature %s: %w", f.Key, err)
	}

	c.bus.Publish(ctx, events.Event{Name: events.FeatureUpdated, FeatureKey: f.Key, At: c.clock.Now()})
	c.logger.Info().Str("feature", f.Key).Bool("created", created).Bool("default", f.DefaultEnabled).Msg("feature saved")
	return created, nil
}

// DeleteFeature removes a flag no override references.
func (c *Catalog) DeleteFeature(ctx context.Context, key string) error {
	if err := c.features.Delete(ctx, key); err != nil {
		return err
	}
	c.bus.Publish(ctx, events.Event{Name: events.FeatureDeleted, FeatureKey: key, At: c.clock.Now()})
	c.logger.Info().Str("feature", key).Msg("feature deleted")
	return nil
}

// Seed puts every flag, stopping at the first failure.
func (c *Catalog) Seed(ctx context.Context, flags []feature.Flag) (int, error) {
	for i, f := range flags {
		if _, err := c.PutFeature(ctx, f); err != nil {
			return i, err
		}
	}
	return len(flags), nil
}

// Tenant looks up a tenant's plan.
func (c *Catalog) Tenant(ctx context.Context, id string) (entitlement.Tenant, error) {
	return c.tenants.Get(ctx, id)
}

// Tenants lists the tenant directory.
func (c *Catalog) Tenants(ctx context.Context) ([]entitlement.Tenant, error) {
	return c.tenants.List(ctx)
}

// PutTenant creates or updates a tenant's plan.
func (c *Catalog) PutTenant(ctx context.Context, t entitlement.Tenant) error {
	if t.ID == "" || t.Plan == "" {
		return ports.ErrInvalidTenant
	}
	if err := c.tenants.Put(ctx, t); err != nil {
		return err
	}
	c.bus.Publish(ctx, events.Event{Name: events.TenantUpdated, TenantID: t.ID, At: c.clock.Now()})
	return nil
}

// InvalidateOnChange subscribes sessions to admin events so cached
// decisions are dropped when the underlying data changes.
func InvalidateOnChange(bus *events.Bus, sessions *Sessions) {
	bus.Subscribe("override.*", func(ctx context.Context, e events.Event) error {
		sessions.InvalidateTenant(e.TenantID)
		return nil
	})
	bus.Subscribe(events.TenantUpdated, func(ctx context.Context, e events.Event) error {
		sessions.InvalidateTenant(e.TenantID)
		return nil
	})
	bus.Subscribe("feature.*", func(ctx context.Context, e events.Event) error {
		sessions.InvalidateTenant("")
		return nil
	})
}
