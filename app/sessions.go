package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

// Session is one client's resolution context, bound to a tenant.
type Session struct {
	ID        string
	CreatedAt time.Time
	Cache     *ResolutionCache

	lastSeen time.Time
}

// Tenant returns the session's tenant.
func (s *Session) Tenant() entitlement.Tenant {
	return s.Cache.Tenant()
}

// SessionsConfig contains configuration for Sessions.
type SessionsConfig struct {
	IdleTTL       time.Duration // Sessions unused this long are evicted
	SweepInterval time.Duration // How often Run evicts idle sessions
}

// Sessions is the registry of live resolution sessions.
type Sessions struct {
	resolver EntitlementResolver
	clock    ports.Clock
	ids      ports.IDGenerator
	metrics  *metrics.Collector
	logger   zerolog.Logger
	cfg      SessionsConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty session registry.
func NewSessions(
	resolver EntitlementResolver,
	clock ports.Clock,
	ids ports.IDGenerator,
	logger zerolog.Logger,
	m *metrics.Collector,
	cfg SessionsConfig,
) *Sessions {
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Sessions{
		resolver: resolver,
		clock:    clock,
		ids:      ids,
		metrics:  m,
		logger:   logger.With().Str("service", "sessions").Logger(),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session for tenant with an empty cache.
func (r *Sessions) Create(tenant entitlement.Tenant) *Session {
	now := r.clock.Now()
	s := &Session{
		ID:        r.ids.New(),
		CreatedAt: now,
		Cache:     NewResolutionCache(tenant, r.resolver, r.clock, r.logger, r.metrics),
		lastSeen:  now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsActive(n)
	r.logger.Debug().Str("session_id", s.ID).Str("tenant_id", tenant.ID).Msg("session created")
	return s
}

// Get returns a live session and marks it used.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.lastSeen = r.clock.Now()
	}
	return s, ok
}

// Delete closes a session. It reports whether the session existed.
func (r *Sessions) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsActive(n)
	return ok
}

// Len returns the number of live sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the live session IDs in sorted order.
func (r *Sessions) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// InvalidateTenant drops cached decisions in every session of tenantID
// and returns how many sessions were touched. An empty tenantID matches
// all sessions.
func (r *Sessions) InvalidateTenant(tenantID string) int {
	r.mu.Lock()
	var targets []*Session
	for _, s := range r.sessions {
		if tenantID == "" || s.Tenant().ID == tenantID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Cache.InvalidateAll()
	}
	if len(targets) > 0 {
		r.metrics.CacheInvalidated("tenant")
	}
	return len(targets)
}

// Sweep evicts sessions idle longer than the configured TTL.
func (r *Sessions) Sweep() int {
	cutoff := r.clock.Now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	evicted := 0
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			evicted++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if evicted > 0 {
		r.metrics.SessionsActive(n)
		r.logger.Debug().Int("evicted", evicted).Int("remaining", n).Msg("idle sessions evicted")
	}
	return evicted
}

// Run evicts idle sessions until ctx is done.
func (r *Sessions) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
