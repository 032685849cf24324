package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/adapters/idgen"
	"github.com/artpar/featuregate/adapters/memory"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

func TestCatalog_PutFeature(t *testing.T) {
	features, _ := newStores(t)
	catalog := app.NewCatalog(features, memory.NewTenantStore(), clock.NewFakeDate(2025, 1, 1), nil, zerolog.Nop())
	ctx := context.Background()

	created, err := catalog.PutFeature(ctx, salesModule())
	if err != nil || !created {
		t.Fatalf("first Put = %v, %v", created, err)
	}

	updated := salesModule()
	updated.DefaultEnabled = true
	created, err = catalog.PutFeature(ctx, updated)
	if err != nil || created {
		t.Fatalf("second Put = %v, %v", created, err)
	}
	got, _ := catalog.Feature(ctx, "sales_module")
	if !got.DefaultEnabled {
		t.Error("update not applied")
	}

	if _, err := catalog.PutFeature(ctx, feature.Flag{Key: "Bad Key"}); !errors.Is(err, feature.ErrInvalidKey) {
		t.Errorf("invalid key = %v", err)
	}
}

func TestCatalog_Seed(t *testing.T) {
	features, _ := newStores(t)
	catalog := app.NewCatalog(features, memory.NewTenantStore(), clock.NewFakeDate(2025, 1, 1), nil, zerolog.Nop())

	reports := feature.Flag{Key: "reports", DefaultEnabled: true}
	n, err := catalog.Seed(context.Background(), []feature.Flag{salesModule(), reports, salesModule()})
	if err != nil || n != 3 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	flags, _ := catalog.Features(context.Background())
	if len(flags) != 2 {
		t.Errorf("flags = %v", flags)
	}
}

func TestCatalog_Tenants(t *testing.T) {
	features, _ := newStores(t)
	catalog := app.NewCatalog(features, memory.NewTenantStore(), clock.NewFakeDate(2025, 1, 1), nil, zerolog.Nop())
	ctx := context.Background()

	if err := catalog.PutTenant(ctx, entitlement.Tenant{ID: "t-1"}); !errors.Is(err, ports.ErrInvalidTenant) {
		t.Errorf("PutTenant without plan = %v", err)
	}
	if err := catalog.PutTenant(ctx, entitlement.Tenant{ID: "t-1", Plan: "Basic"}); err != nil {
		t.Fatalf("PutTenant: %v", err)
	}
	got, err := catalog.Tenant(ctx, "t-1")
	if err != nil || got.Plan != "Basic" {
		t.Errorf("Tenant = %+v, %v", got, err)
	}
}

func TestInvalidateOnChange(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	clk := clock.NewFakeDate(2025, 1, 15)
	bus := events.NewBus(zerolog.Nop())
	resolver := app.NewResolver(features, overrides, clk, zerolog.Nop(), nil)
	sessions := app.NewSessions(resolver, clk, idgen.NewSequential("s"), zerolog.Nop(), nil, app.SessionsConfig{})
	app.InvalidateOnChange(bus, sessions)

	flow := app.NewAdminFlow(features, overrides, idgen.NewSequential("ov-"), clk, bus, zerolog.Nop(), nil)
	catalog := app.NewCatalog(features, memory.NewTenantStore(), clk, bus, zerolog.Nop())
	ctx := context.Background()

	s := sessions.Create(entitlement.Tenant{ID: "pharmacy-1", Plan: "Basic"})
	if d, _ := s.Cache.Check(ctx, "sales_module"); d.Allowed {
		t.Fatalf("Basic allowed before grant: %+v", d)
	}

	if _, err := flow.Grant(ctx, januaryRequest(t)); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if s.Cache.State("sales_module") != app.Unresolved {
		t.Fatal("grant did not invalidate the tenant's session")
	}
	if d, _ := s.Cache.Check(ctx, "sales_module"); !d.Allowed || d.Reason != entitlement.ReasonOverride {
		t.Errorf("after grant = %+v", d)
	}

	updated := salesModule()
	updated.PlanAccess["Basic"] = true
	if _, err := catalog.PutFeature(ctx, updated); err != nil {
		t.Fatalf("PutFeature: %v", err)
	}
	if s.Cache.State("sales_module") != app.Unresolved {
		t.Error("feature change did not invalidate sessions")
	}
}
