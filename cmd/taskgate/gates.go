package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgate/internal/gate"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// reviewPlanCmd drives the planning gates up to ReadyForImplementation
var reviewPlanCmd = &cobra.Command{
	Use:   "review-plan <task-id>",
	Short: "Drive the planning gates (requirements, test plan, technical review, split evaluation)",
	Long: `Walk the task through the four planning gates in order. Human gates
prompt for confirmation; agent gates dispatch the configured sub-agent.
The command stops at the first gate that does not approve.

Examples:
  # Review interactively
  taskgate review-plan 4f1c2a9b

  # Approve the human gates without prompting
  taskgate review-plan --yes --approver alice 4f1c2a9b`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0],
			task.GateRequirements,
			task.GateTestPlan,
			task.GateTechnicalReview,
			task.GateSplitEvaluation,
		)
	},
}

// startImplementationCmd passes the implementation_start human gate
var startImplementationCmd = &cobra.Command{
	Use:   "start-implementation <task-id>",
	Short: "Confirm the start of implementation (ReadyForImplementation -> InProgress)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0], task.GateImplementationStart)
	},
}

// continueImplementationCmd runs the pr-creator implementation gate
var continueImplementationCmd = &cobra.Command{
	Use:   "continue-implementation <task-id>",
	Short: "Run the implementation gate (InProgress -> InReview via pr-creator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0], task.GateImplementation)
	},
}

// startReviewCmd runs the validator code_review gate
var startReviewCmd = &cobra.Command{
	Use:   "start-review <task-id>",
	Short: "Run the code review gate (InReview -> DocumentationUpdate via validator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0], task.GateCodeReview)
	},
}

// updateDocumentationCmd runs the doc-updater documentation gate
var updateDocumentationCmd = &cobra.Command{
	Use:   "update-documentation <task-id>",
	Short: "Run the documentation gate (DocumentationUpdate -> ReadyToMerge via doc-updater)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0], task.GateDocumentation)
	},
}

// mergeCmd passes the final human merge gate
var mergeCmd = &cobra.Command{
	Use:   "merge <task-id>",
	Short: "Confirm the merge (ReadyToMerge -> Done, merges the change request)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveGates(cmd.Context(), args[0], task.GateMerge)
	},
}

// driveGates attempts the given gates in order, stopping at the first
// one that does not approve. Gates already passed are reported and
// skipped, which makes every command safe to re-run.
func driveGates(ctx context.Context, taskID string, gates ...task.GateID) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	for _, gateID := range gates {
		done, err := driveGate(ctx, rt, taskID, gateID)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
	return nil
}

// driveGate attempts one gate. It returns true when the gate is
// satisfied (now or previously) and the next gate may be attempted.
func driveGate(ctx context.Context, rt *runtime, taskID string, gateID task.GateID) (bool, error) {
	spec, err := task.GateByID(gateID)
	if err != nil {
		return false, err
	}

	var out *gate.Outcome
	if spec.Human() {
		ok, err := confirmGate(rt, taskID, gateID)
		if err != nil {
			return false, err
		}
		if !ok {
			fmt.Printf("Gate %s not confirmed, stopping.\n", gateID)
			return false, nil
		}
		out, err = rt.controller.ConfirmHumanGate(ctx, taskID, gateID, approverIdentity())
		if err != nil {
			return reportGateError(ctx, rt, taskID, gateID, err)
		}
	} else {
		out, err = rt.controller.EnterGate(ctx, taskID, gateID)
		if err != nil {
			return reportGateError(ctx, rt, taskID, gateID, err)
		}
	}

	switch out.Verdict {
	case task.VerdictApproved:
		fmt.Printf("Gate %s approved. Status: %s\n", gateID, out.Task.Status)
		return true, nil
	case task.VerdictNeedsRevision:
		fmt.Printf("Gate %s needs revision (%d/%d): %s\n",
			gateID, out.Task.RevisionCount(gateID), rt.cfg.Pipeline.MaxRevisions, out.Notes)
		return false, nil
	case task.VerdictRejected:
		fmt.Printf("Gate %s rejected, task blocked: %s\n", gateID, out.Notes)
		return false, nil
	}
	return false, nil
}

// reportGateError turns the benign idempotency errors into status
// reports with a zero exit, and surfaces everything else.
func reportGateError(ctx context.Context, rt *runtime, taskID string, gateID task.GateID, err error) (bool, error) {
	if errors.Is(err, gate.ErrGateAlreadyPassed) {
		t, lerr := rt.store.Load(ctx, taskID)
		if lerr != nil {
			return false, lerr
		}
		fmt.Printf("Gate %s already passed. Status: %s\n", gateID, t.Status)
		return true, nil
	}

	var stuck *gate.StuckGateError
	if errors.As(err, &stuck) {
		fmt.Printf("Gate %s is stuck after %d revisions (max %d); intervene manually or block the task.\n",
			stuck.GateID, stuck.Revisions, stuck.Max)
		return false, nil
	}

	var outOfOrder *gate.OutOfOrderGateError
	if errors.As(err, &outOfOrder) {
		return false, fmt.Errorf("gate %s requires status %s, task is %s",
			outOfOrder.GateID, outOfOrder.Expected, outOfOrder.Actual)
	}

	return false, err
}

// confirmGate asks the operator to approve a human gate. --yes approves
// without prompting.
func confirmGate(rt *runtime, taskID string, gateID task.GateID) (bool, error) {
	if autoApprove {
		return true, nil
	}

	fmt.Printf("Approve gate %s for task %s? [y/N]: ", gateID, taskID)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
