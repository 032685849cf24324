package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/adapters/idgen"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

type adminFixture struct {
	flow      *app.AdminFlow
	overrides *flakyOverrides
	bus       *events.Bus
}

func newAdminFixture(t *testing.T) adminFixture {
	t.Helper()
	features, mem := newStores(t, salesModule())
	overrides := &flakyOverrides{OverrideStore: mem}
	bus := events.NewBus(zerolog.Nop())
	flow := app.NewAdminFlow(features, overrides, idgen.NewSequential("ov-"), clock.NewFakeDate(2025, 1, 15), bus, zerolog.Nop(), nil)
	return adminFixture{flow: flow, overrides: overrides, bus: bus}
}

func januaryRequest(t *testing.T) app.GrantRequest {
	return app.GrantRequest{
		TenantID:   "pharmacy-1",
		FeatureKey: "sales_module",
		Enabled:    true,
		Window:     override.NewWindow(day(t, "2025-01-01"), day(t, "2025-01-31")),
		CreatedBy:  "admin@example.com",
	}
}

func TestAdminFlow_Grant(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	var published atomic.Int32
	fx.bus.Subscribe(events.OverrideGranted, func(ctx context.Context, e events.Event) error {
		published.Add(1)
		return nil
	})

	o, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if o.ID == "" || o.Window.String() != "2025-01-01..2025-01-31" {
		t.Errorf("Grant = %+v", o)
	}

	view := fx.flow.View("pharmacy-1")
	if len(view) != 1 || view[0].Pending || view[0].Override.ID != o.ID {
		t.Fatalf("view = %+v", view)
	}
	if view[0].Status != override.StatusActive {
		t.Errorf("status = %s", view[0].Status)
	}
	if published.Load() != 1 {
		t.Errorf("published %d events", published.Load())
	}
}

func TestAdminFlow_GrantUnknownFeature(t *testing.T) {
	fx := newAdminFixture(t)
	req := januaryRequest(t)
	req.FeatureKey = "no_such_feature"

	if _, err := fx.flow.Grant(context.Background(), req); !errors.Is(err, ports.ErrUnknownFeature) {
		t.Fatalf("Grant = %v, want ErrUnknownFeature", err)
	}
	if len(fx.flow.View("pharmacy-1")) != 0 {
		t.Error("unknown feature left an entry in the view")
	}
}

func TestAdminFlow_GrantInvalidWindow(t *testing.T) {
	fx := newAdminFixture(t)
	req := januaryRequest(t)
	req.Window = override.NewWindow(day(t, "2025-02-01"), day(t, "2025-01-01"))

	if _, err := fx.flow.Grant(context.Background(), req); !errors.Is(err, ports.ErrInvalidWindow) {
		t.Fatalf("Grant = %v, want ErrInvalidWindow", err)
	}
}

func TestAdminFlow_GrantOverlapRollsBack(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	original, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	second := januaryRequest(t)
	second.Window = override.NewWindow(day(t, "2025-01-20"), day(t, "2025-02-20"))
	if _, err := fx.flow.Grant(ctx, second); !errors.Is(err, ports.ErrOverlappingWindow) {
		t.Fatalf("overlapping Grant = %v, want ErrOverlappingWindow", err)
	}

	view := fx.flow.View("pharmacy-1")
	if len(view) != 1 || view[0].Override.ID != original.ID {
		t.Fatalf("view after rejected grant = %+v", view)
	}
	stored, _ := fx.overrides.Get(ctx, original.ID)
	if stored.Window.String() != original.Window.String() {
		t.Errorf("original changed: %s", stored.Window)
	}
}

func TestAdminFlow_OptimisticEntryVisibleUntilConfirmed(t *testing.T) {
	fx := newAdminFixture(t)
	gate := make(chan struct{})
	entered := make(chan struct{})
	fx.overrides.set(func(f *flakyOverrides) {
		f.beforeUpsert = func() {
			close(entered)
			<-gate
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := fx.flow.Grant(context.Background(), januaryRequest(t))
		done <- err
	}()

	<-entered
	view := fx.flow.View("pharmacy-1")
	if len(view) != 1 || !view[0].Pending {
		t.Fatalf("optimistic view = %+v", view)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Grant: %v", err)
	}
	view = fx.flow.View("pharmacy-1")
	if len(view) != 1 || view[0].Pending {
		t.Errorf("confirmed view = %+v", view)
	}
}

func TestAdminFlow_StoreFailureRollsBack(t *testing.T) {
	fx := newAdminFixture(t)
	fx.overrides.set(func(f *flakyOverrides) {
		f.upsertErr = errStoreDown
		f.listErr = errStoreDown
	})

	_, err := fx.flow.Grant(context.Background(), januaryRequest(t))
	if !errors.Is(err, ports.ErrUpstreamUnavailable) || !errors.Is(err, errStoreDown) {
		t.Fatalf("Grant = %v", err)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 0 {
		t.Errorf("rolled-back grant still visible: %+v", view)
	}
}

func TestAdminFlow_ReconcileOverridesOptimisticState(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	// Another admin revokes the record between our write and our re-fetch.
	fx.overrides.set(func(f *flakyOverrides) {
		f.beforeList = func() {
			list, _ := f.OverrideStore.ListForTenant(ctx, "pharmacy-1")
			for _, o := range list {
				f.OverrideStore.Revoke(ctx, o.ID)
			}
		}
	})

	if _, err := fx.flow.Grant(ctx, januaryRequest(t)); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 0 {
		t.Errorf("view = %+v, want the store's empty state", view)
	}
}

func TestAdminFlow_StaleFetchIgnored(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	o, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// The first refresh reads the store, then stalls before applying.
	var calls atomic.Int32
	firstRead := make(chan struct{})
	release := make(chan struct{})
	fx.overrides.set(func(f *flakyOverrides) {
		f.afterList = func() {
			if calls.Add(1) == 1 {
				close(firstRead)
				<-release
			}
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fx.flow.Refresh(ctx, "pharmacy-1")
	}()
	<-firstRead

	// The record disappears and a later refresh observes that first.
	if err := fx.overrides.OverrideStore.Revoke(ctx, o.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	view, err := fx.flow.Refresh(ctx, "pharmacy-1")
	if err != nil || len(view) != 0 {
		t.Fatalf("second Refresh = %+v, %v", view, err)
	}

	close(release)
	wg.Wait()

	// The earlier-started fetch still holds the revoked record and must
	// not overwrite the newer result.
	if view := fx.flow.View("pharmacy-1"); len(view) != 0 {
		t.Errorf("stale fetch replaced the view: %+v", view)
	}
}

func TestAdminFlow_MutationSurvivesCallerCancel(t *testing.T) {
	fx := newAdminFixture(t)
	gate := make(chan struct{})
	entered := make(chan struct{})
	fx.overrides.set(func(f *flakyOverrides) {
		f.beforeUpsert = func() {
			close(entered)
			<-gate
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.flow.Grant(ctx, januaryRequest(t))
		done <- err
	}()

	<-entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Grant = %v, want context.Canceled", err)
	}

	close(gate)
	fx.flow.Wait()

	list, _ := fx.overrides.ListForTenant(context.Background(), "pharmacy-1")
	if len(list) != 1 {
		t.Fatalf("abandoned grant not stored: %+v", list)
	}
	view := fx.flow.View("pharmacy-1")
	if len(view) != 1 || view[0].Pending {
		t.Errorf("abandoned grant not reconciled: %+v", view)
	}
}

func TestAdminFlow_Edit(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	jan, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	march := januaryRequest(t)
	march.Window = override.NewWindow(day(t, "2025-03-01"), day(t, "2025-03-31"))
	if _, err := fx.flow.Grant(ctx, march); err != nil {
		t.Fatalf("Grant march: %v", err)
	}

	edited, err := fx.flow.Edit(ctx, jan.ID, override.NewWindow(day(t, "2025-01-01"), day(t, "2025-02-15")))
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.Window.String() != "2025-01-01..2025-02-15" || edited.TenantID != jan.TenantID {
		t.Errorf("Edit = %+v", edited)
	}

	// Extending into March collides with the other grant and rolls back.
	_, err = fx.flow.Edit(ctx, jan.ID, override.NewWindow(day(t, "2025-01-01"), day(t, "2025-03-10")))
	if !errors.Is(err, ports.ErrOverlappingWindow) {
		t.Fatalf("overlapping Edit = %v", err)
	}
	for _, e := range fx.flow.View("pharmacy-1") {
		if e.Override.ID == jan.ID && e.Override.Window.String() != "2025-01-01..2025-02-15" {
			t.Errorf("rejected edit visible: %s", e.Override.Window)
		}
		if e.Pending {
			t.Errorf("pending entry after edit: %+v", e)
		}
	}

	if _, err := fx.flow.Edit(ctx, "missing", override.Window{}); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Edit missing = %v", err)
	}
}

func TestAdminFlow_Revoke(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	var revoked atomic.Int32
	fx.bus.Subscribe(events.OverrideRevoked, func(ctx context.Context, e events.Event) error {
		revoked.Add(1)
		return nil
	})

	o, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	fx.overrides.set(func(f *flakyOverrides) { f.revokeErr = errStoreDown })
	if err := fx.flow.Revoke(ctx, o.ID); !errors.Is(err, ports.ErrUpstreamUnavailable) {
		t.Fatalf("failed Revoke = %v", err)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 1 {
		t.Errorf("failed revoke not rolled back: %+v", view)
	}

	fx.overrides.set(func(f *flakyOverrides) { f.revokeErr = nil })
	if err := fx.flow.Revoke(ctx, o.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 0 {
		t.Errorf("view after revoke = %+v", view)
	}
	if err := fx.flow.Revoke(ctx, o.ID); err != nil {
		t.Errorf("second Revoke = %v", err)
	}
	if revoked.Load() != 1 {
		t.Errorf("revoke events = %d, want 1", revoked.Load())
	}
}

func TestAdminFlow_EditRacingRevokeStaysRevoked(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	o, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// Another admin revokes after the edit has read the record but before
	// it writes.
	fx.overrides.set(func(f *flakyOverrides) {
		f.beforeUpdate = func() {
			_ = f.OverrideStore.Revoke(context.Background(), o.ID)
		}
	})

	_, err = fx.flow.Edit(ctx, o.ID, override.NewWindow(day(t, "2025-01-01"), day(t, "2025-02-28")))
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("Edit = %v, want ErrNotFound", err)
	}

	list, _ := fx.overrides.ListForTenant(ctx, "pharmacy-1")
	if len(list) != 0 {
		t.Errorf("revoked override resurrected: %+v", list)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 0 {
		t.Errorf("view after racing edit = %+v", view)
	}
}

func TestAdminFlow_EmptyViewsAreForgotten(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	o, err := fx.flow.Grant(ctx, januaryRequest(t))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if n := fx.flow.TrackedViews(); n != 1 {
		t.Fatalf("TrackedViews after grant = %d, want 1", n)
	}

	if err := fx.flow.Revoke(ctx, o.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if n := fx.flow.TrackedViews(); n != 0 {
		t.Errorf("TrackedViews after revoke = %d, want 0", n)
	}

	// Browsing tenants with nothing granted leaves no residue.
	for _, tenant := range []string{"pharmacy-2", "pharmacy-3", "pharmacy-4"} {
		if _, err := fx.flow.Refresh(ctx, tenant); err != nil {
			t.Fatalf("Refresh %s: %v", tenant, err)
		}
	}
	if n := fx.flow.TrackedViews(); n != 0 {
		t.Errorf("TrackedViews after empty refreshes = %d, want 0", n)
	}

	if _, err := fx.flow.Grant(ctx, januaryRequest(t)); err != nil {
		t.Fatalf("Grant again: %v", err)
	}
	if view := fx.flow.View("pharmacy-1"); len(view) != 1 {
		t.Errorf("view after re-grant = %+v", view)
	}
}

func TestAdminFlow_ViewStatus(t *testing.T) {
	fx := newAdminFixture(t)
	ctx := context.Background()

	past := januaryRequest(t)
	past.Window = override.NewWindow(day(t, "2024-01-01"), day(t, "2024-01-31"))
	future := januaryRequest(t)
	future.Window = override.NewWindow(day(t, "2025-06-01"), nil)
	for _, req := range []app.GrantRequest{past, future} {
		if _, err := fx.flow.Grant(ctx, req); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}

	view, err := fx.flow.Refresh(ctx, "pharmacy-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(view) != 2 || view[0].Status != override.StatusExpired || view[1].Status != override.StatusFuture {
		t.Errorf("view = %+v", view)
	}
}
