package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

func newTestResolver(t *testing.T, features ports.FeatureRegistry, overrides ports.OverrideStore) *app.Resolver {
	t.Helper()
	return app.NewResolver(features, overrides, clock.NewFakeDate(2025, 1, 15), zerolog.Nop(), nil)
}

func TestResolver_UnknownFeatureFailsClosed(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	r := newTestResolver(t, features, overrides)

	for _, plan := range []string{"Basic", "Standard", "Platinum", ""} {
		d, err := r.Resolve(context.Background(), entitlement.Tenant{ID: "t-1", Plan: plan}, "no_such_feature", *day(t, "2025-01-15"))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if d.Allowed || d.Reason != entitlement.ReasonUnknownFeature {
			t.Errorf("plan %q: got %+v, want deny UNKNOWN_FEATURE", plan, d)
		}
	}
}

func TestResolver_PlanMatrix(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	r := newTestResolver(t, features, overrides)
	ctx := context.Background()
	asOf := *day(t, "2025-01-15")

	tests := []struct {
		plan    string
		allowed bool
		reason  entitlement.Reason
	}{
		{"Basic", false, entitlement.ReasonGlobalDefault},
		{"Standard", true, entitlement.ReasonPlanDefault},
		{"Platinum", true, entitlement.ReasonPlanDefault},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			d, err := r.Resolve(ctx, entitlement.Tenant{ID: "pharmacy-1", Plan: tt.plan}, "sales_module", asOf)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d.Allowed != tt.allowed || d.Reason != tt.reason {
				t.Errorf("got %+v, want allowed=%v reason=%s", d, tt.allowed, tt.reason)
			}
		})
	}
}

func TestResolver_MatrixEntryBeatsDefault(t *testing.T) {
	flag := salesModule()
	flag.DefaultEnabled = true
	flag.PlanAccess["Trial"] = false
	features, overrides := newStores(t, flag)
	r := newTestResolver(t, features, overrides)

	d, _ := r.Resolve(context.Background(), entitlement.Tenant{ID: "t", Plan: "Trial"}, "sales_module", *day(t, "2025-01-15"))
	if d.Allowed || d.Reason != entitlement.ReasonPlanDefault {
		t.Errorf("Trial = %+v, want deny PLAN_DEFAULT", d)
	}

	d, _ = r.Resolve(context.Background(), entitlement.Tenant{ID: "t", Plan: "Basic"}, "sales_module", *day(t, "2025-01-15"))
	if !d.Allowed || d.Reason != entitlement.ReasonGlobalDefault {
		t.Errorf("Basic = %+v, want allow GLOBAL_DEFAULT", d)
	}
}

func TestResolver_BonusGrantWindow(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	r := newTestResolver(t, features, overrides)
	ctx := context.Background()
	basic := entitlement.Tenant{ID: "pharmacy-1", Plan: "Basic"}

	err := overrides.Upsert(ctx, override.Override{
		ID:         "ov-jan",
		TenantID:   basic.ID,
		FeatureKey: "sales_module",
		Enabled:    true,
		Window:     override.NewWindow(day(t, "2025-01-01"), day(t, "2025-01-31")),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	tests := []struct {
		asOf    string
		allowed bool
		reason  entitlement.Reason
	}{
		{"2024-12-31", false, entitlement.ReasonGlobalDefault},
		{"2025-01-01", true, entitlement.ReasonOverride},
		{"2025-01-15", true, entitlement.ReasonOverride},
		{"2025-01-31", true, entitlement.ReasonOverride},
		{"2025-02-01", false, entitlement.ReasonGlobalDefault},
	}
	for _, tt := range tests {
		d, err := r.Resolve(ctx, basic, "sales_module", *day(t, tt.asOf))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if d.Allowed != tt.allowed || d.Reason != tt.reason {
			t.Errorf("asOf %s: got %+v, want allowed=%v reason=%s", tt.asOf, d, tt.allowed, tt.reason)
		}
	}

	// Other tenants are unaffected.
	d, _ := r.Resolve(ctx, entitlement.Tenant{ID: "pharmacy-2", Plan: "Basic"}, "sales_module", *day(t, "2025-01-15"))
	if d.Allowed {
		t.Errorf("override leaked to another tenant: %+v", d)
	}
}

func TestResolver_ForcedDenyBeatsPlan(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	r := newTestResolver(t, features, overrides)
	ctx := context.Background()
	platinum := entitlement.Tenant{ID: "chain-1", Plan: "Platinum"}

	err := overrides.Upsert(ctx, override.Override{
		ID:         "ov-deny",
		TenantID:   platinum.ID,
		FeatureKey: "sales_module",
		Enabled:    false,
		Window:     override.NewWindow(day(t, "2025-01-10"), nil),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	d, _ := r.Resolve(ctx, platinum, "sales_module", *day(t, "2030-06-01"))
	if d.Allowed || d.Reason != entitlement.ReasonOverride {
		t.Errorf("got %+v, want deny OVERRIDE", d)
	}
}

func TestResolver_UpstreamFailureDenies(t *testing.T) {
	features, memOverrides := newStores(t, salesModule())
	ctx := context.Background()
	platinum := entitlement.Tenant{ID: "chain-1", Plan: "Platinum"}

	t.Run("registry", func(t *testing.T) {
		r := newTestResolver(t, brokenRegistry{features}, memOverrides)
		d, err := r.Resolve(ctx, platinum, "sales_module", *day(t, "2025-01-15"))
		if !errors.Is(err, ports.ErrUpstreamUnavailable) || !errors.Is(err, errStoreDown) {
			t.Errorf("err = %v, want ErrUpstreamUnavailable wrapping cause", err)
		}
		if d.Allowed {
			t.Error("upstream failure allowed access")
		}
	})

	t.Run("overrides", func(t *testing.T) {
		overrides := &flakyOverrides{OverrideStore: memOverrides, findErr: errStoreDown}
		r := newTestResolver(t, features, overrides)
		d, err := r.Resolve(ctx, platinum, "sales_module", *day(t, "2025-01-15"))
		if !errors.Is(err, ports.ErrUpstreamUnavailable) {
			t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
		}
		if d.Allowed {
			t.Error("upstream failure allowed access")
		}
	})
}

func TestResolver_ResolveNowUsesClock(t *testing.T) {
	features, overrides := newStores(t, salesModule())
	clk := clock.NewFakeDate(2025, 1, 31)
	r := app.NewResolver(features, overrides, clk, zerolog.Nop(), nil)
	ctx := context.Background()
	basic := entitlement.Tenant{ID: "pharmacy-1", Plan: "Basic"}

	err := overrides.Upsert(ctx, override.Override{
		ID: "ov", TenantID: basic.ID, FeatureKey: "sales_module", Enabled: true,
		Window: override.NewWindow(day(t, "2025-01-01"), day(t, "2025-01-31")),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if d, _ := r.ResolveNow(ctx, basic, "sales_module"); !d.Allowed {
		t.Errorf("on expiry day: %+v", d)
	}
	clk.AdvanceDays(1)
	if d, _ := r.ResolveNow(ctx, basic, "sales_module"); d.Allowed {
		t.Errorf("day after expiry: %+v", d)
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	reports := salesModule()
	reports.Key = "reports"
	reports.DefaultEnabled = true
	reports.PlanAccess = nil
	features, overrides := newStores(t, salesModule(), reports)
	r := newTestResolver(t, features, overrides)
	ctx := context.Background()
	basic := entitlement.Tenant{ID: "pharmacy-1", Plan: "Basic"}

	err := overrides.Upsert(ctx, override.Override{
		ID: "ov", TenantID: basic.ID, FeatureKey: "sales_module", Enabled: true,
		Window: override.NewWindow(day(t, "2025-01-01"), day(t, "2025-01-31")),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	decisions, err := r.ResolveAll(ctx, basic, *day(t, "2025-01-20"))
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions", len(decisions))
	}
	granted := entitlement.Granted(decisions)
	if len(granted) != 2 {
		t.Errorf("granted = %v", granted)
	}

	if _, err := newTestResolver(t, brokenRegistry{features}, overrides).ResolveAll(ctx, basic, *day(t, "2025-01-20")); !errors.Is(err, ports.ErrUpstreamUnavailable) {
		t.Errorf("broken registry ResolveAll = %v", err)
	}
}
