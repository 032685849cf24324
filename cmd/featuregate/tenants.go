package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/spf13/cobra"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
	Long: `Manage the tenant directory used when a request does not name a plan.

Examples:
  featuregate tenants list
  featuregate tenants put pharmacy-1 --plan Standard`,
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE:  runTenantsList,
}

var tenantsPutCmd = &cobra.Command{
	Use:   "put <tenant-id>",
	Short: "Create a tenant or change its plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantsPut,
}

var tenantPlan string

func init() {
	rootCmd.AddCommand(tenantsCmd)

	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsPutCmd)

	tenantsPutCmd.Flags().StringVar(&tenantPlan, "plan", "", "subscription plan (required)")
	tenantsPutCmd.MarkFlagRequired("plan")
}

func runTenantsList(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	tenants, err := env.catalog.Tenants(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Println("No tenants found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAN")
	fmt.Fprintln(w, "--\t----")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\n", t.ID, t.Plan)
	}
	return w.Flush()
}

func runTenantsPut(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.catalog.PutTenant(cmd.Context(), entitlement.Tenant{ID: args[0], Plan: tenantPlan}); err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	fmt.Printf("Tenant %s is on plan %s.\n", args[0], tenantPlan)
	return nil
}
