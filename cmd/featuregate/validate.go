package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/artpar/featuregate/bootstrap"
	"github.com/artpar/featuregate/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the featuregate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present and feature keys are well formed
  - Database is reachable (optional)

Examples:
  featuregate validate
  featuregate validate --check-database`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database opens and migrates")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config valid\n", checkMark)

	fmt.Printf("  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Printf("  %s Features configured: %d\n", checkMark, len(cfg.Features))
	fmt.Printf("  %s Tenants configured: %d\n", checkMark, len(cfg.Tenants))
	if cfg.Admin.TokenHash == "" {
		fmt.Printf("  %s Admin API disabled (admin.token_hash not set)\n", crossMark)
	}

	if validateCheckDatabase {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := checkDatabase(ctx, cfg.Database); err != nil {
			fmt.Printf("  %s Database reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabase(ctx context.Context, cfg config.DatabaseConfig) error {
	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "error"}, os.Stderr)
	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.Pinger != nil {
		return stores.Pinger.Ping(ctx)
	}
	return nil
}
