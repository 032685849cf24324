package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/artpar/featuregate/domain/feature"
	"github.com/spf13/cobra"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Manage feature flags",
	Long: `Manage the feature registry.

A feature has a global default and an optional per-plan access matrix.
A plan entry always wins over the default.

Examples:
  featuregate features list
  featuregate features put sales_module --plan Standard=true --plan Basic=false
  featuregate features put reports --default
  featuregate features delete sales_module`,
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all features",
	RunE:  runFeaturesList,
}

var featuresPutCmd = &cobra.Command{
	Use:   "put <key>",
	Short: "Create or replace a feature",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeaturesPut,
}

var featuresDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a feature with no overrides",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeaturesDelete,
}

var (
	featureDescription string
	featureDefault     bool
	featurePlans       []string
)

func init() {
	rootCmd.AddCommand(featuresCmd)

	featuresCmd.AddCommand(featuresListCmd)
	featuresCmd.AddCommand(featuresPutCmd)
	featuresCmd.AddCommand(featuresDeleteCmd)

	featuresPutCmd.Flags().StringVar(&featureDescription, "description", "", "feature description")
	featuresPutCmd.Flags().BoolVar(&featureDefault, "default", false, "global default when the plan has no entry")
	featuresPutCmd.Flags().StringArrayVar(&featurePlans, "plan", nil, "plan access entry PLAN=true|false (repeatable)")
}

func runFeaturesList(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	flags, err := env.catalog.Features(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list features: %w", err)
	}

	if len(flags) == 0 {
		fmt.Println("No features found.")
		fmt.Println()
		fmt.Println("Create one with: featuregate features put sales_module --plan Standard=true")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDEFAULT\tPLAN ACCESS\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-------\t-----------\t-----------")
	for _, f := range flags {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Key, yesNo(f.DefaultEnabled), formatPlanAccess(f), f.Description)
	}
	return w.Flush()
}

func runFeaturesPut(cmd *cobra.Command, args []string) error {
	access, err := parsePlanAccess(featurePlans)
	if err != nil {
		return err
	}

	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	created, err := env.catalog.PutFeature(cmd.Context(), feature.Flag{
		Key:            args[0],
		Description:    featureDescription,
		DefaultEnabled: featureDefault,
		PlanAccess:     access,
	})
	if err != nil {
		return fmt.Errorf("failed to save feature: %w", err)
	}

	if created {
		fmt.Printf("Feature %s created.\n", args[0])
	} else {
		fmt.Printf("Feature %s updated.\n", args[0])
	}
	return nil
}

func runFeaturesDelete(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.catalog.DeleteFeature(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete feature: %w", err)
	}
	fmt.Printf("Feature %s deleted.\n", args[0])
	return nil
}

// parsePlanAccess turns PLAN=bool pairs into a plan access matrix.
func parsePlanAccess(pairs []string) (map[string]bool, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	access := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		plan, val, ok := strings.Cut(p, "=")
		if !ok || plan == "" {
			return nil, fmt.Errorf("invalid --plan %q, want PLAN=true|false", p)
		}
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			access[plan] = true
		case "false", "0", "no":
			access[plan] = false
		default:
			return nil, fmt.Errorf("invalid --plan %q, want PLAN=true|false", p)
		}
	}
	return access, nil
}

func formatPlanAccess(f feature.Flag) string {
	plans := feature.Plans(f)
	if len(plans) == 0 {
		return "-"
	}
	parts := make([]string, len(plans))
	for i, p := range plans {
		parts[i] = fmt.Sprintf("%s=%t", p, f.PlanAccess[p])
	}
	return strings.Join(parts, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
