package app

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// EntryState is the lifecycle of one cached feature key.
type EntryState int

const (
	Unresolved EntryState = iota
	Resolving
	Resolved
)

func (s EntryState) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	default:
		return "unresolved"
	}
}

// Resolution is a decision together with the instant it was resolved at.
type Resolution struct {
	entitlement.Decision
	ResolvedAt time.Time
}

// ResolutionCache memoizes decisions for one tenant for the lifetime of a
// session. Concurrent checks of the same key share a single resolution.
// Entries never expire; they are dropped only by Invalidate or InvalidateAll.
type ResolutionCache struct {
	tenant   entitlement.Tenant
	resolver EntitlementResolver
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	resolved  map[string]Resolution
	inFlight  map[string]int
	keyGen    map[string]uint64
	globalGen uint64
}

// NewResolutionCache creates an empty cache bound to tenant.
func NewResolutionCache(
	tenant entitlement.Tenant,
	resolver EntitlementResolver,
	clock ports.Clock,
	logger zerolog.Logger,
	m *metrics.Collector,
) *ResolutionCache {
	return &ResolutionCache{
		tenant:   tenant,
		resolver: resolver,
		clock:    clock,
		metrics:  m,
		logger:   logger.With().Str("tenant_id", tenant.ID).Logger(),
		resolved: make(map[string]Resolution),
		inFlight: make(map[string]int),
		keyGen:   make(map[string]uint64),
	}
}

// Tenant returns the tenant the cache is bound to.
func (c *ResolutionCache) Tenant() entitlement.Tenant {
	return c.tenant
}

// Check returns the decision for featureKey, resolving it at most once.
//
// If ctx ends before the resolution completes, Check returns a deny decision
// and ctx.Err(); the resolution itself keeps running and its result is
// cached for the next caller. Upstream failures are returned to every
// waiter and leave the key Unresolved so a later Check retries.
func (c *ResolutionCache) Check(ctx context.Context, featureKey string) (entitlement.Decision, error) {
	res, err := c.CheckResolution(ctx, featureKey)
	return res.Decision, err
}

// CheckResolution is Check that also reports when the decision was
// resolved. A cached decision keeps its original instant.
func (c *ResolutionCache) CheckResolution(ctx context.Context, featureKey string) (Resolution, error) {
	if r, ok := c.lookup(featureKey); ok {
		c.metrics.CacheLookup("hit")
		return r, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(featureKey, func() (any, error) {
		return c.resolve(detached, featureKey)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.CacheLookup("coalesced")
		} else {
			c.metrics.CacheLookup("miss")
		}
		return res.Val.(Resolution), res.Err
	case <-ctx.Done():
		return Resolution{Decision: entitlement.Decision{FeatureKey: featureKey}}, ctx.Err()
	}
}

// resolve runs inside the single flight for featureKey.
func (c *ResolutionCache) resolve(ctx context.Context, featureKey string) (Resolution, error) {
	c.mu.Lock()
	// A flight that finished just before this one started may already
	// have stored the answer.
	if r, ok := c.resolved[featureKey]; ok {
		c.mu.Unlock()
		return r, nil
	}
	keyGen, globalGen := c.keyGen[featureKey], c.globalGen
	c.inFlight[featureKey]++
	c.mu.Unlock()

	at := c.clock.Now()
	d, err := c.resolver.Resolve(ctx, c.tenant, featureKey, at)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[featureKey]--; c.inFlight[featureKey] <= 0 {
		delete(c.inFlight, featureKey)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("feature", featureKey).Msg("resolution failed, entry left unresolved")
		return Resolution{Decision: entitlement.Decision{FeatureKey: featureKey}, ResolvedAt: at}, err
	}
	r := Resolution{Decision: d, ResolvedAt: at}
	// An invalidation while resolving makes this answer stale for the cache,
	// though the waiters of this flight still receive it.
	if c.keyGen[featureKey] == keyGen && c.globalGen == globalGen {
		c.resolved[featureKey] = r
	}
	return r, nil
}

// HasAccess reports whether featureKey is Resolved and allowed. It never
// blocks and never triggers a resolution.
func (c *ResolutionCache) HasAccess(featureKey string) bool {
	d, ok := c.lookup(featureKey)
	return ok && d.Allowed
}

// State returns the lifecycle state of featureKey.
func (c *ResolutionCache) State(featureKey string) EntryState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.resolved[featureKey]; ok {
		return Resolved
	}
	if c.inFlight[featureKey] > 0 {
		return Resolving
	}
	return Unresolved
}

// Snapshot returns a copy of every resolved decision.
func (c *ResolutionCache) Snapshot() map[string]Resolution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Resolution, len(c.resolved))
	for k, r := range c.resolved {
		out[k] = r
	}
	return out
}

// Invalidate drops the cached decision for featureKey. A resolution already
// in flight finishes for its waiters but is not cached.
func (c *ResolutionCache) Invalidate(featureKey string) {
	c.mu.Lock()
	delete(c.resolved, featureKey)
	c.keyGen[featureKey]++
	c.mu.Unlock()

	c.group.Forget(featureKey)
	c.metrics.CacheInvalidated("key")
}

// InvalidateAll drops every cached decision.
func (c *ResolutionCache) InvalidateAll() {
	c.mu.Lock()
	c.resolved = make(map[string]Resolution)
	c.globalGen++
	pending := make([]string, 0, len(c.inFlight))
	for k := range c.inFlight {
		pending = append(pending, k)
	}
	c.mu.Unlock()

	for _, k := range pending {
		c.group.Forget(k)
	}
	c.metrics.CacheInvalidated("session")
}

func (c *ResolutionCache) lookup(featureKey string) (Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resolved[featureKey]
	return r, ok
}
