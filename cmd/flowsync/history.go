package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [RUN-ID]",
	Short: "List recorded reconcile runs",
	Long: `List the reconcile runs recorded in the history store, newest first,
or show the changes of a single run.

Examples:
  flowsync history -n 20
  flowsync history 6f1c0c9e-2b0e-4d43-9c6a-1f2b3c4d5e6f`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "Number of runs to list (0 lists all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("run history is disabled: set history.dir in the configuration")
	}
	defer store.Close()

	if len(args) == 1 {
		run, err := store.GetRun(args[0])
		if err != nil {
			return err
		}
		printRun(cmd.OutOrStdout(), run)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}
