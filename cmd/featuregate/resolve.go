package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/ports"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <tenant-id> [feature-key]",
	Short: "Resolve entitlement decisions",
	Long: `Resolve whether a tenant may use a feature.

Without a feature key every registered feature is resolved. The tenant's plan
comes from the tenant directory unless --plan is given.

Examples:
  featuregate resolve pharmacy-1 sales_module
  featuregate resolve pharmacy-1 --as-of 2025-01-31
  featuregate resolve pharmacy-9 --plan Platinum`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runResolve,
}

var (
	resolvePlan string
	resolveAsOf string
)

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolvePlan, "plan", "", "plan to resolve against instead of the tenant directory")
	resolveCmd.Flags().StringVar(&resolveAsOf, "as-of", "", "resolve on this day (YYYY-MM-DD) instead of now")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	asOf := time.Now().UTC()
	if resolveAsOf != "" {
		d, err := override.ParseDate(resolveAsOf)
		if err != nil {
			return fmt.Errorf("--as-of: %w", err)
		}
		asOf = *d
	}

	env, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	tenant := entitlement.Tenant{ID: args[0], Plan: resolvePlan}
	if tenant.Plan == "" {
		t, err := env.catalog.Tenant(ctx, args[0])
		if errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("tenant %s not found; pass --plan", args[0])
		}
		if err != nil {
			return err
		}
		tenant = t
	}

	var decisions []entitlement.Decision
	if len(args) == 2 {
		d, err := env.resolver.Resolve(ctx, tenant, args[1], asOf)
		if err != nil {
			fmt.Printf("%s\t%s\tdenied (%v)\n", tenant.ID, args[1], err)
			return err
		}
		decisions = []entitlement.Decision{d}
	} else {
		decisions, err = env.resolver.ResolveAll(ctx, tenant, asOf)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Tenant %s (plan %s) on %s:\n", tenant.ID, tenant.Plan, asOf.Format(override.DateLayout))
	for _, d := range decisions {
		mark := crossMark
		if d.Allowed {
			mark = checkMark
		}
		fmt.Printf("  %s %-24s %s\n", mark, d.FeatureKey, d.Reason)
	}
	return nil
}
