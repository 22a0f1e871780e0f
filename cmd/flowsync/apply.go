package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/flowsync/pkg/reconciler"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the cluster to the declarations once",
	Long: `Observe the target process group, compute the changes needed to match
the declarations and apply them in dependency order.

Examples:
  # Apply a directory of declarations, deleting undeclared entities
  flowsync apply -f flows/ --deletion authoritative

  # Only create and update, never delete
  flowsync apply -f etl.yaml -f shared.yaml --deletion overlay

  # Keep going past failed changes
  flowsync apply -f flows/ --deletion overlay --on-failure skip`,
	RunE: runApply,
}

func init() {
	addReconcileFlags(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
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

	opts := []reconciler.Option{reconciler.WithRetention(cfg.History.Keep)}
	history, err := openHistory()
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
		opts = append(opts, reconciler.WithHistory(history))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := reconciler.NewReconciler(c, opts...).Reconcile(ctx, desired, policy)
	printOutcome(cmd.OutOrStdout(), out)
	if !out.Converged() {
		return fmt.Errorf("reconcile did not converge: %w", out.Err)
	}
	return nil
}
