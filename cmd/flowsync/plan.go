package main

import (
	"fmt"

	"github.com/cuemby/flowsync/pkg/reconciler"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the changes apply would make",
	Long: `Observe the cluster and print the ordered change-set for the declarations
without applying anything.

Examples:
  flowsync plan -f flows/ --deletion authoritative
  flowsync plan -f flows/ --deletion overlay --diff`,
	RunE: runPlan,
}

func init() {
	addReconcileFlags(planCmd)
	planCmd.Flags().Bool("diff", false, "Print the configuration diff of every update")
	planCmd.Flags().Bool("exit-code", false, "Exit with an error when changes are pending")
}

func runPlan(cmd *cobra.Command, args []string) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	desired, err := loadDesired()
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer logout(c)

	about, err := c.About(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to reach cluster: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cluster: %s (%s)\n", cfg.NiFi.URL, about)

	plan, err := reconciler.NewReconciler(c).Plan(cmd.Context(), desired, policy)
	if err != nil {
		return err
	}

	showDiff, _ := cmd.Flags().GetBool("diff")
	printPlan(cmd.OutOrStdout(), plan.Changes, showDiff)

	if exit, _ := cmd.Flags().GetBool("exit-code"); exit && len(plan.Changes) > 0 {
		return fmt.Errorf("%d changes pending", len(plan.Changes))
	}
	return nil
}
