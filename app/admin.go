package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

// ViewEntry is one override as shown to an administrator.
// Pending marks an optimistic change the store has not yet confirmed.
type ViewEntry struct {
	Override override.Override
	Status   override.Status
	Pending  bool
}

// GrantRequest describes a new override. Enabled=false records a forced deny.
type GrantRequest struct {
	TenantID   string
	FeatureKey string
	Enabled    bool
	Window     override.Window
	CreatedBy  string
}

// tenantView is the admin's local copy of one tenant's overrides.
type tenantView struct {
	entries []ViewEntry

	// nextSeq is handed to each re-fetch when it starts; appliedSeq is the
	// sequence of the newest fetch whose result replaced entries.
	nextSeq    uint64
	appliedSeq uint64
}

// AdminFlow applies override mutations optimistically to a local view,
// writes them to the store, and reconciles the view with a re-fetch.
// The re-fetch always wins over optimistic state.
type AdminFlow struct {
	features  ports.FeatureRegistry
	overrides ports.OverrideStore
	ids       ports.IDGenerator
	clock     ports.Clock
	bus       *events.Bus
	metrics   *metrics.Collector
	logger    zerolog.Logger

	mu    sync.Mutex
	views map[string]*tenantView

	wg sync.WaitGroup
}

// NewAdminFlow creates an admin flow. bus and m may be nil.
func NewAdminFlow(
	features ports.FeatureRegistry,
	overrides ports.OverrideStore,
	ids ports.IDGenerator,
	clock ports.Clock,
	bus *events.Bus,
	logger zerolog.Logger,
	m *metrics.Collector,
) *AdminFlow {
	return &AdminFlow{
		features:  features,
		overrides: overrides,
		ids:       ids,
		clock:     clock,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("service", "admin").Logger(),
		views:     make(map[string]*tenantView),
	}
}

// Grant creates an override for req.TenantID and req.FeatureKey.
func (a *AdminFlow) Grant(ctx context.Context, req GrantRequest) (override.Override, error) {
	var result override.Override
	err := a.detach(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.grant(ctx, req)
		a.metrics.AdminMutation("grant", err)
		return err
	})
	return result, err
}

// Edit replaces the window of an existing override. Tenant, feature and
// enabled flag are unchanged.
func (a *AdminFlow) Edit(ctx context.Context, id string, window override.Window) (override.Override, error) {
	var result override.Override
	err := a.detach(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.edit(ctx, id, window)
		a.metrics.AdminMutation("edit", err)
		return err
	})
	return result, err
}

// Revoke deletes an override. Revoking an unknown ID succeeds.
func (a *AdminFlow) Revoke(ctx context.Context, id string) error {
	return a.detach(ctx, func(ctx context.Context) error {
		err := a.revoke(ctx, id)
		a.metrics.AdminMutation("revoke", err)
		return err
	})
}

// Refresh re-fetches a tenant's overrides and returns the reconciled view.
func (a *AdminFlow) Refresh(ctx context.Context, tenantID string) ([]ViewEntry, error) {
	if err := a.reconcile(ctx, tenantID); err != nil {
		return nil, err
	}
	return a.View(tenantID), nil
}

// View returns the local view of a tenant's overrides, optimistic entries
// included.
func (a *AdminFlow) View(tenantID string) []ViewEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.views[tenantID]
	if !ok {
		return nil
	}
	now := a.clock.Now()
	out := make([]ViewEntry, len(v.entries))
	for i, e := range v.entries {
		e.Status = e.Override.Window.Status(now)
		out[i] = e
	}
	return out
}

// Wait blocks until every mutation started so far has finished.
func (a *AdminFlow) Wait() {
	a.wg.Wait()
}

// detach runs fn on a context that ignores the caller's cancellation.
// A caller that gives up gets ctx.Err() while fn runs to completion.
func (a *AdminFlow) detach(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		done <- fn(context.WithoutCancel(ctx))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AdminFlow) grant(ctx context.Context, req GrantRequest) (override.Override, error) {
	if err := a.requireFeature(ctx, req.FeatureKey); err != nil {
		return override.Override{}, err
	}

	window := override.NewWindow(req.Window.Start, req.Window.Expiry)
	if err := window.Validate(); err != nil {
		return override.Override{}, err
	}

	now := a.clock.Now()
	o := override.Override{
		ID:         a.ids.New(),
		TenantID:   req.TenantID,
		FeatureKey: req.FeatureKey,
		Enabled:    req.Enabled,
		Window:     window,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	a.apply(o.TenantID, func(entries []ViewEntry) []ViewEntry {
		return append(entries, ViewEntry{Override: o, Pending: true})
	})

	err := a.overrides.Upsert(ctx, o)
	if err != nil {
		a.apply(o.TenantID, func(entries []ViewEntry) []ViewEntry {
			return removePending(entries, o.ID)
		})
		a.logger.Info().Err(err).Str("tenant_id", o.TenantID).Str("feature", o.FeatureKey).Msg("grant rejected, rolled back")
	}

	a.reconcileQuietly(ctx, o.TenantID)
	if err != nil {
		return override.Override{}, a.storeError(err)
	}

	a.publish(ctx, events.OverrideGranted, o)
	return o, nil
}

func (a *AdminFlow) edit(ctx context.Context, id string, window override.Window) (override.Override, error) {
	current, err := a.overrides.Get(ctx, id)
	if err != nil {
		return override.Override{}, a.storeError(err)
	}

	window = override.NewWindow(window.Start, window.Expiry)
	if err := window.Validate(); err != nil {
		return override.Override{}, err
	}

	edited := current
	edited.Window = window
	edited.UpdatedAt = a.clock.Now()

	a.apply(current.TenantID, func(entries []ViewEntry) []ViewEntry {
		return replaceEntry(entries, ViewEntry{Override: edited, Pending: true})
	})

	err = a.overrides.Update(ctx, edited)
	if err != nil {
		a.apply(current.TenantID, func(entries []ViewEntry) []ViewEntry {
			return replaceEntry(entries, ViewEntry{Override: current})
		})
		a.logger.Info().Err(err).Str("override_id", id).Msg("edit rejected, rolled back")
	}

	a.reconcileQuietly(ctx, current.TenantID)
	if err != nil {
		return override.Override{}, a.storeError(err)
	}

	a.publish(ctx, events.OverrideEdited, edited)
	return edited, nil
}

func (a *AdminFlow) revoke(ctx context.Context, id string) error {
	current, err := a.overrides.Get(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		a.dropFromViews(id)
		return nil
	}
	if err != nil {
		return a.storeError(err)
	}

	a.apply(current.TenantID, func(entries []ViewEntry) []ViewEntry {
		return removeEntry(entries, id)
	})

	err = a.overrides.Revoke(ctx, id)
	if err != nil {
		a.apply(current.TenantID, func(entries []ViewEntry) []ViewEntry {
			return replaceEntry(entries, ViewEntry{Override: current})
		})
		a.logger.Info().Err(err).Str("override_id", id).Msg("revoke failed, rolled back")
	}

	a.reconcileQuietly(ctx, current.TenantID)
	if err != nil {
		return a.storeError(err)
	}

	a.publish(ctx, events.OverrideRevoked, current)
	return nil
}

// reconcile replaces the tenant view with the store's records unless a
// fetch that started later has already been applied.
func (a *AdminFlow) reconcile(ctx context.Context, tenantID string) error {
	a.mu.Lock()
	v := a.viewLocked(tenantID)
	v.nextSeq++
	seq := v.nextSeq
	a.mu.Unlock()

	list, err := a.overrides.ListForTenant(ctx, tenantID)
	if err != nil {
		a.metrics.Reconcile("failed")
		return a.storeError(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq < v.appliedSeq {
		a.metrics.Reconcile("stale")
		return nil
	}
	v.appliedSeq = seq
	v.entries = make([]ViewEntry, len(list))
	for i, o := range list {
		v.entries[i] = ViewEntry{Override: o}
	}
	a.evictLocked(tenantID, v)
	a.metrics.Reconcile("applied")
	return nil
}

// evictLocked forgets a tenant view that holds nothing and has no re-fetch
// in flight. A later mutation or View starts a fresh one.
func (a *AdminFlow) evictLocked(tenantID string, v *tenantView) {
	if len(v.entries) == 0 && v.appliedSeq == v.nextSeq && a.views[tenantID] == v {
		delete(a.views, tenantID)
	}
}

func (a *AdminFlow) reconcileQuietly(ctx context.Context, tenantID string) {
	if err := a.reconcile(ctx, tenantID); err != nil {
		a.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("reconcile failed, view may hold optimistic state")
	}
}

func (a *AdminFlow) requireFeature(ctx context.Context, key string) error {
	_, err := a.features.Get(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("%w: %s", ports.ErrUnknownFeature, key)
	}
	if err != nil {
		return a.storeError(err)
	}
	return nil
}

// storeError passes domain errors through and marks everything else as an
// upstream failure.
func (a *AdminFlow) storeError(err error) error {
	switch {
	case errors.Is(err, ports.ErrNotFound),
		errors.Is(err, ports.ErrOverlappingWindow),
		errors.Is(err, ports.ErrUnknownFeature),
		errors.Is(err, ports.ErrInvalidWindow),
		errors.Is(err, ports.ErrScopeChange),
		errors.Is(err, ports.ErrUpstreamUnavailable):
		return err
	}
	return fmt.Errorf("%w: %w", ports.ErrUpstreamUnavailable, err)
}

func (a *AdminFlow) apply(tenantID string, fn func([]ViewEntry) []ViewEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.viewLocked(tenantID)
	v.entries = fn(v.entries)
}

func (a *AdminFlow) dropFromViews(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tenantID, v := range a.views {
		v.entries = removeEntry(v.entries, id)
		a.evictLocked(tenantID, v)
	}
}

func (a *AdminFlow) viewLocked(tenantID string) *tenantView {
	v, ok := a.views[tenantID]
	if !ok {
		v = &tenantView{}
		a.views[tenantID] = v
	}
	return v
}

func (a *AdminFlow) publish(ctx context.Context, name string, o override.Override) {
	a.bus.Publish(ctx, events.Event{
		Name:       name,
		TenantID:   o.TenantID,
		FeatureKey: o.FeatureKey,
		OverrideID: o.ID,
		Actor:      o.CreatedBy,
		At:         a.clock.Now(),
	})
	a.logger.Info().
		Str("event", name).
		Str("tenant_id", o.TenantID).
		Str("feature", o.FeatureKey).
		Str("override_id", o.ID).
		Str("window", o.Window.String()).
		Msg("override changed")
}

func removeEntry(entries []ViewEntry, id string) []ViewEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Override.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// removePending drops an optimistic entry, leaving a confirmed one alone.
func removePending(entries []ViewEntry, id string) []ViewEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Override.ID != id || !e.Pending {
			out = append(out, e)
		}
	}
	return out
}

// replaceEntry swaps the entry with the same ID, or appends it.
func replaceEntry(entries []ViewEntry, entry ViewEntry) []ViewEntry {
	out := make([]ViewEntry, 0, len(entries)+1)
	found := false
	for _, e := range entries {
		if e.Override.ID == entry.Override.ID {
			out = append(out, entry)
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, entry)
	}
	return out
}
