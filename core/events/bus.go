// Package events provides a simple event bus for publish/subscribe patterns.
// Admin mutations on features and overrides are announced here so other
// components (session caches, audit logging) can react.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names published by featuregate.
const (
	OverrideGranted = "override.granted"
	OverrideEdited  = "override.edited"
	OverrideRevoked = "override.revoked"
	FeatureUpdated  = "feature.updated"
	FeatureDeleted  = "feature.deleted"
	TenantUpdated   = "tenant.updated"
)

// Event represents a published event.
type Event struct {
	// Name is the event name (e.g., "override.granted").
	Name string

	// TenantID is set for tenant-scoped events.
	TenantID string

	// FeatureKey is the affected feature, if any.
	FeatureKey string

	// OverrideID is set for override events.
	OverrideID string

	// Actor identifies who caused the change.
	Actor string

	At time.Time
}

// Handler is a function that processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is a simple publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event.
// Supports wildcard subscriptions:
//   - "override.granted" - exact match
//   - "override.*" - all override events
//   - "*" - all events
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Publish emits an event to all matching handlers.
// Handlers are called synchronously in registration order.
// Handler errors are logged and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	matched := b.matchLocked(event.Name)
	b.mu.RUnlock()

	b.logger.Debug().
		Str("event", event.Name).
		Str("tenant_id", event.TenantID).
		Str("feature", event.FeatureKey).
		Int("handlers", len(matched)).
		Msg("event emitted")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Msg("event handler error")
		}
	}
}

// HasSubscribers checks if any handlers are registered for an event.
func (b *Bus) HasSubscribers(event string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.matchLocked(event)) > 0
}

func (b *Bus) matchLocked(name string) []Handler {
	var matched []Handler

	// Exact match
	matched = append(matched, b.handlers[name]...)

	// Prefix wildcard (e.g., "override.*")
	if prefix, _, ok := strings.Cut(name, "."); ok {
		matched = append(matched, b.handlers[prefix+".*"]...)
	}

	// Global wildcard
	matched = append(matched, b.handlers["*"]...)
	return matched
}
