package bootstrap

import (
	"context"

	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/core/events"
	"github.com/rs/zerolog"
)

// RegisterHooks subscribes the built-in handlers to the event bus.
// Every admin change is written to the audit log; session caches are
// dropped on change only when invalidate is set.
func RegisterHooks(bus *events.Bus, sessions *app.Sessions, invalidate bool, logger zerolog.Logger) {
	audit := logger.With().Str("component", "audit").Logger()

	bus.Subscribe("*", func(ctx context.Context, e events.Event) error {
		audit.Info().
			Str("event", e.Name).
			Str("tenant_id", e.TenantID).
			Str("feature", e.FeatureKey).
			Str("override_id", e.OverrideID).
			Str("actor", e.Actor).
			Time("at", e.At).
			Msg("entitlement change")
		return nil
	})

	if invalidate && sessions != nil {
		app.InvalidateOnChange(bus, sessions)
		logger.Info().Msg("session caches invalidate on admin changes")
	}
}
