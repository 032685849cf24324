package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/domain/override"
	"github.com/spf13/cobra"
)

var overridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "Manage tenant overrides",
	Long: `Grant, edit and revoke time-bounded tenant overrides.

Dates are inclusive calendar days (YYYY-MM-DD, UTC). An empty start is open
towards the past, an empty expiry never ends. Windows for the same tenant and
feature must not overlap.

Examples:
  featuregate overrides list pharmacy-1
  featuregate overrides grant pharmacy-1 sales_module --start 2025-01-01 --expiry 2025-01-31
  featuregate overrides grant pharmacy-1 reports --deny
  featuregate overrides edit ovr_123 --expiry 2025-02-28
  featuregate overrides revoke ovr_123`,
}

var overridesListCmd = &cobra.Command{
	Use:   "list <tenant-id>",
	Short: "List a tenant's overrides",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverridesList,
}

var overridesGrantCmd = &cobra.Command{
	Use:   "grant <tenant-id> <feature-key>",
	Short: "Grant an override",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverridesGrant,
}

var overridesEditCmd = &cobra.Command{
	Use:   "edit <override-id>",
	Short: "Replace an override's window",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverridesEdit,
}

var overridesRevokeCmd = &cobra.Command{
	Use:   "revoke <override-id>",
	Short: "Revoke an override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverridesRevoke,
}

var (
	overrideStart  string
	overrideExpiry string
	overrideDeny   bool
	overrideBy     string
)

func init() {
	rootCmd.AddCommand(overridesCmd)

	overridesCmd.AddCommand(overridesListCmd)
	overridesCmd.AddCommand(overridesGrantCmd)
	overridesCmd.AddCommand(overridesEditCmd)
	overridesCmd.AddCommand(overridesRevokeCmd)

	for _, c := range []*cobra.Command{overridesGrantCmd, overridesEditCmd} {
		c.Flags().StringVar(&overrideStart, "start", "", "first day the override applies (YYYY-MM-DD)")
		c.Flags().StringVar(&overrideExpiry, "expiry", "", "last day the override applies (YYYY-MM-DD)")
	}
	overridesGrantCmd.Flags().BoolVar(&overrideDeny, "deny", false, "force access off instead of on")
	overridesGrantCmd.Flags().StringVar(&overrideBy, "by", "cli", "actor recorded as created_by")
}

func runOverridesList(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := env.flow.Refresh(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list overrides: %w", err)
	}
	if len(entries) == 0 {
		fmt.Printf("No overrides for %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFEATURE\tACCESS\tSTART\tEXPIRY\tSTATUS\tCREATED BY")
	fmt.Fprintln(w, "--\t-------\t------\t-----\t------\t------\t----------")
	for _, e := range entries {
		o := e.Override
		access := "allow"
		if !o.Enabled {
			access = "deny"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.FeatureKey, access,
			override.FormatDate(o.Window.Start, "-"),
			override.FormatDate(o.Window.Expiry, "never"),
			e.Status, o.CreatedBy)
	}
	return w.Flush()
}

func runOverridesGrant(cmd *cobra.Command, args []string) error {
	window, err := parseWindowFlags()
	if err != nil {
		return err
	}

	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	o, err := env.flow.Grant(cmd.Context(), app.GrantRequest{
		TenantID:   args[0],
		FeatureKey: args[1],
		Enabled:    !overrideDeny,
		Window:     window,
		CreatedBy:  overrideBy,
	})
	if err != nil {
		return fmt.Errorf("failed to grant override: %w", err)
	}
	fmt.Printf("Override %s granted (%s).\n", o.ID, o.Window)
	return nil
}

func runOverridesEdit(cmd *cobra.Command, args []string) error {
	window, err := parseWindowFlags()
	if err != nil {
		return err
	}

	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	o, err := env.flow.Edit(cmd.Context(), args[0], window)
	if err != nil {
		return fmt.Errorf("failed to edit override: %w", err)
	}
	fmt.Printf("Override %s now covers %s.\n", o.ID, o.Window)
	return nil
}

func runOverridesRevoke(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.flow.Revoke(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to revoke override: %w", err)
	}
	fmt.Printf("Override %s revoked.\n", args[0])
	return nil
}

func parseWindowFlags() (override.Window, error) {
	start, err := override.ParseDate(overrideStart)
	if err != nil {
		return override.Window{}, fmt.Errorf("--start: %w", err)
	}
	expiry, err := override.ParseDate(overrideExpiry)
	if err != nil {
		return override.Window{}, fmt.Errorf("--expiry: %w", err)
	}
	w := override.NewWindow(start, expiry)
	if err := w.Validate(); err != nil {
		return override.Window{}, err
	}
	return w, nil
}
