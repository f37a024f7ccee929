package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileDryRun bool

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report drift without repairing")
}

// reconcileCmd runs one reconciliation pass over all tasks
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect and repair drift between tasks and the external systems",
	Long: `Compare every task's status against the recorded external-system
calls and re-issue any call whose effect cannot be vouched for. All
repairs are idempotent upserts, so reconciling is always safe.

Examples:
  # Repair everything
  taskgate reconcile

  # Only report
  taskgate reconcile --dry-run`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.reconciler == nil {
		return fmt.Errorf("reconcile requires github.token to be configured")
	}

	report, err := rt.reconciler.Run(cmd.Context(), !reconcileDryRun)
	if err != nil {
		return err
	}

	fmt.Printf("Scanned %d tasks, %d drift(s), %d repaired\n",
		report.Scanned, len(report.Drifts), report.Repaired)
	for _, d := range report.Drifts {
		fmt.Printf("  task %s (%s): %s: %s", d.TaskID, d.Status, d.Operation, d.Reason)
		switch {
		case d.Repaired:
			fmt.Print(" [repaired]")
		case d.RepairErr != "":
			fmt.Printf(" [repair failed: %s]", d.RepairErr)
		}
		fmt.Println()
	}
	return nil
}
