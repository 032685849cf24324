package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/featuregate/adapters/memory"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/domain/override"
)

var errStoreDown = errors.New("connection refused")

func day(t *testing.T, s string) *time.Time {
	t.Helper()
	d, err := override.ParseDate(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

// salesModule is the flag used across scenarios: off by default, on for
// Standard and Platinum.
func salesModule() feature.Flag {
	return feature.Flag{
		Key:            "sales_module",
		DefaultEnabled: false,
		PlanAccess:     map[string]bool{"Standard": true, "Platinum": true},
	}
}

func newStores(t *testing.T, flags ...feature.Flag) (*memory.FeatureStore, *memory.OverrideStore) {
	t.Helper()
	features := memory.NewFeatureStore()
	overrides := memory.NewOverrideStore(features)
	for _, f := range flags {
		if err := features.Create(context.Background(), f); err != nil {
			t.Fatalf("create %s: %v", f.Key, err)
		}
	}
	return features, overrides
}

// brokenRegistry fails every read.
type brokenRegistry struct {
	*memory.FeatureStore
}

func (brokenRegistry) Get(ctx context.Context, key string) (feature.Flag, error) {
	return feature.Flag{}, errStoreDown
}

func (brokenRegistry) List(ctx context.Context) ([]feature.Flag, error) {
	return nil, errStoreDown
}

// flakyOverrides wraps the memory store with injectable failures and an
// optional hook that runs before each ListForTenant.
type flakyOverrides struct {
	*memory.OverrideStore

	mu         sync.Mutex
	findErr    error
	upsertErr  error
	revokeErr  error
	listErr    error
	beforeList func()

	afterList    func()
	beforeUpsert func()
	beforeUpdate func()
}

func (f *flakyOverrides) FindActive(ctx context.Context, tenantID, featureKey string, asOf time.Time) (*override.Override, error) {
	f.mu.Lock()
	err := f.findErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.OverrideStore.FindActive(ctx, tenantID, featureKey, asOf)
}

func (f *flakyOverrides) Upsert(ctx context.Context, o override.Override) error {
	f.mu.Lock()
	hook, err := f.beforeUpsert, f.upsertErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return f.OverrideStore.Upsert(ctx, o)
}

func (f *flakyOverrides) Update(ctx context.Context, o override.Override) error {
	f.mu.Lock()
	hook, err := f.beforeUpdate, f.upsertErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return f.OverrideStore.Update(ctx, o)
}

func (f *flakyOverrides) Revoke(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.revokeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.OverrideStore.Revoke(ctx, id)
}

func (f *flakyOverrides) ListForTenant(ctx context.Context, tenantID string) ([]override.Override, error) {
	f.mu.Lock()
	before, after, err := f.beforeList, f.afterList, f.listErr
	f.mu.Unlock()
	if before != nil {
		before()
	}
	if err != nil {
		return nil, err
	}
	list, err := f.OverrideStore.ListForTenant(ctx, tenantID)
	if after != nil {
		after()
	}
	return list, err
}

func (f *flakyOverrides) set(fn func(f *flakyOverrides)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// countingResolver counts calls and optionally blocks each one until gate
// is closed.
type countingResolver struct {
	calls    atomic.Int32
	gate     chan struct{}
	started  chan struct{}
	decision func(key string) entitlement.Decision
	err      atomic.Pointer[error]
}

func newCountingResolver() *countingResolver {
	return &countingResolver{
		started: make(chan struct{}, 64),
		decision: func(key string) entitlement.Decision {
			return entitlement.Decision{FeatureKey: key, Allowed: true, Reason: entitlement.ReasonPlanDefault}
		},
	}
}

func (r *countingResolver) Resolve(ctx context.Context, tenant entitlement.Tenant, key string, asOf time.Time) (entitlement.Decision, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	if r.gate != nil {
		<-r.gate
	}
	if p := r.err.Load(); p != nil {
		return entitlement.Decision{FeatureKey: key}, *p
	}
	return r.decision(key), nil
}

func (r *countingResolver) failWith(err error) {
	if err == nil {
		r.err.Store(nil)
		return
	}
	r.err.Store(&err)
}
