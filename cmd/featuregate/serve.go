package main

import (
	"fmt"
	"os"

	"github.com/artpar/featuregate/bootstrap"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the entitlement API server",
	Long: `Start the featuregate HTTP server.

The server will:
  - Load configuration from featuregate.yaml (or --config)
  - Or load configuration from FEATUREGATE_* environment variables
  - Open and migrate the database
  - Seed features and tenants listed in the configuration
  - Serve /api/v1 and, when admin.token_hash is set, /admin

Environment variables (for Docker deployments):
  FEATUREGATE_DATABASE_DRIVER   - sqlite, postgres or memory
  FEATUREGATE_DATABASE_DSN      - Database path or URL
  FEATUREGATE_SERVER_PORT       - Server port (default: 8080)
  FEATUREGATE_ADMIN_TOKEN_HASH  - bcrypt hash of the admin token
  FEATUREGATE_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  featuregate serve
  featuregate serve --config /etc/featuregate/config.yaml
  featuregate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Running with environment variables (no config file)")
	}

	a, err := bootstrap.New(cmd.Context(), bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hotReload,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return a.Run(cmd.Context())
}
