package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/adapters/idgen"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/bootstrap"
	"github.com/artpar/featuregate/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "featuregate",
	Short: "Feature entitlement engine for multi-tenant platforms",
	Long: `featuregate decides whether a tenant may use a feature.

A decision combines the tenant plan's access matrix, the feature's global
default and time-bounded per-tenant overrides.

Quick start:
  featuregate serve         # Start the HTTP API
  featuregate hash-token    # Generate admin.token_hash

Management:
  featuregate features      # Manage feature flags
  featuregate tenants       # Manage tenants
  featuregate overrides     # Grant, edit and revoke overrides
  featuregate resolve       # Resolve a decision from the command line
  featuregate validate      # Validate configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "featuregate.yaml", "config file path")
}

// cliEnv holds the services management commands work against.
type cliEnv struct {
	cfg      *config.Config
	stores   *bootstrap.Stores
	catalog  *app.Catalog
	flow     *app.AdminFlow
	resolver *app.Resolver
}

func (e *cliEnv) Close() {
	e.flow.Wait()
	e.stores.Close()
}

// openEnv opens the configured database without starting a server.
// Logs go to stderr so command output stays parseable.
func openEnv(ctx context.Context) (*cliEnv, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return nil, fmt.Errorf("database.driver is memory; management commands need sqlite or postgres")
	}

	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "warn", Format: "console"}, os.Stderr)

	stores, err := bootstrap.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	clk := clock.Real{}
	resolver := app.NewResolver(stores.Features, stores.Overrides, clk, logger, nil)
	return &cliEnv{
		cfg:      cfg,
		stores:   stores,
		catalog:  app.NewCatalog(stores.Features, stores.Tenants, clk, nil, logger),
		flow:     app.NewAdminFlow(stores.Features, stores.Overrides, idgen.UUID{Prefix: "ovr_"}, clk, nil, logger, nil),
		resolver: resolver,
	}, nil
}
