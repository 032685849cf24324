package bootstrap

import (
	"context"
	"fmt"

	"github.com/artpar/featuregate/adapters/memory"
	"github.com/artpar/featuregate/adapters/postgres"
	"github.com/artpar/featuregate/adapters/sqlite"
	"github.com/artpar/featuregate/config"
	"github.com/artpar/featuregate/ports"
	"github.com/rs/zerolog"
)

// Stores bundles the persistence ports for the configured driver.
type Stores struct {
	Features  ports.FeatureRegistry
	Overrides ports.OverrideStore
	Tenants   ports.TenantDirectory
	Pinger    ports.Pinger // nil for the memory driver

	close func() error
}

// Close releases the underlying database.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores opens and migrates the configured database.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Str("driver", "sqlite").Str("dsn", cfg.DSN).Msg("database initialized")
		return &Stores{
			Features:  sqlite.NewFeatureStore(db),
			Overrides: sqlite.NewOverrideStore(db),
			Tenants:   sqlite.NewTenantStore(db),
			Pinger:    db,
			close:     db.Close,
		}, nil

	case "postgres":
		db, err := postgres.Open(ctx, cfg.DSN, postgres.PoolOptions{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Str("driver", "postgres").Msg("database initialized")
		return &Stores{
			Features:  postgres.NewFeatureStore(db),
			Overrides: postgres.NewOverrideStore(db),
			Tenants:   postgres.NewTenantStore(db),
			Pinger:    db,
			close:     db.Close,
		}, nil

	case "memory":
		features := memory.NewFeatureStore()
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		return &Stores{
			Features:  features,
			Overrides: memory.NewOverrideStore(features),
			Tenants:   memory.NewTenantStore(),
		}, nil
	}

	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
