package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgate/internal/task"
	"github.com/fyrsmithlabs/taskgate/internal/vcs"
)

var (
	createTitle       string
	createRequirement string
	createTestPlan    string
	createSteps       []string
	blockReason       string
	handoverSummary   string
)

func init() {
	createTaskCmd.Flags().StringVar(&createTitle, "title", "", "task title (required)")
	createTaskCmd.Flags().StringVar(&createRequirement, "requirement", "", "business requirement, or @file to read one")
	createTaskCmd.Flags().StringVar(&createTestPlan, "test-plan", "", "test plan, or @file to read one")
	createTaskCmd.Flags().StringArrayVar(&createSteps, "step", nil, "implementation step (repeatable)")

	blockCmd.Flags().StringVar(&blockReason, "reason", "", "why the task is blocked (required)")

	prepareHandoverCmd.Flags().StringVar(&handoverSummary, "summary", "", "handover summary; omit to have the changelog-writer author it")
}

// createTaskCmd creates a task and finalizes it into RequirementsReview
var createTaskCmd = &cobra.Command{
	Use:   "create-task",
	Short: "Create a task and enter requirements review",
	Long: `Create a task from a title, a business requirement, and optional
implementation steps. The new task starts in requirements review.

Examples:
  taskgate create-task --title "Add CSV export" --requirement @req.md \
    --step "Extend the query layer" --step "Stream rows as CSV"`,
	RunE: runCreateTask,
}

func runCreateTask(cmd *cobra.Command, args []string) error {
	if createTitle == "" {
		return fmt.Errorf("--title is required")
	}
	requirement, err := readInline(createRequirement)
	if err != nil {
		return err
	}
	testPlan, err := readInline(createTestPlan)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	spec := task.Spec{
		Title:       createTitle,
		Requirement: requirement,
		TestPlan:    testPlan,
	}
	for _, s := range createSteps {
		spec.Steps = append(spec.Steps, task.Step{Description: s})
	}

	t, err := rt.controller.CreateTask(cmd.Context(), spec)
	if err != nil {
		return err
	}
	fmt.Printf("Created task %s (%s)\n", t.ID, t.Status)
	return nil
}

// statusCmd prints the task's current state
var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's status, gates passed, refs, and recent history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	ctx := cmd.Context()

	t, err := rt.store.Load(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:    %s\n", t.ID)
	fmt.Printf("Title:   %s\n", t.Title)
	fmt.Printf("Status:  %s", t.Status)
	if t.Status == task.StatusBlocked {
		fmt.Printf(" (from %s)", t.BlockedFrom)
	}
	fmt.Println()

	fmt.Printf("Gates:  ")
	if len(t.GatesPassed) == 0 {
		fmt.Print(" none")
	}
	for _, g := range t.GatesPassed {
		fmt.Printf(" %s", g)
	}
	fmt.Println()

	if t.BranchRef != "" {
		fmt.Printf("Branch:  %s\n", t.BranchRef)
	}
	if t.IssueRef != "" {
		fmt.Printf("Issue:   %s\n", t.IssueRef)
	}
	if t.ChangeRequestRef != "" {
		fmt.Printf("CR:      %s\n", t.ChangeRequestRef)
	}
	if t.Handover != "" {
		fmt.Printf("Handover:\n  %s\n", t.Handover)
	}

	for gateID, n := range t.Revisions {
		fmt.Printf("Revisions at %s: %d/%d\n", gateID, n, rt.cfg.Pipeline.MaxRevisions)
	}

	if open, err := rt.store.OpenInvocation(ctx, t.ID); err == nil {
		fmt.Printf("Open invocation: gate %s since %s\n", open.GateID, open.InvokedAt.Format("2006-01-02 15:04:05"))
	}

	if len(t.Changelog) > 0 {
		fmt.Println("Recent changelog:")
		entries := t.Changelog
		if len(entries) > 5 {
			entries = entries[len(entries)-5:]
		}
		for _, e := range entries {
			fmt.Printf("  %s [%s] %s", e.Timestamp.Format("2006-01-02 15:04"), e.Component, e.Summary)
			if e.Effect != "" {
				fmt.Printf(": %s", e.Effect)
			}
			fmt.Println()
		}
	}

	// Surface sync attempts not followed by a success for the same
	// operation; these are what reconcile repairs.
	recs, err := rt.store.ListSyncRecords(ctx, t.ID)
	if err != nil {
		return err
	}
	latest := map[task.SyncOperation]*task.ExternalSyncRecord{}
	for _, rec := range recs {
		latest[rec.Operation] = rec
	}
	for _, op := range []task.SyncOperation{
		task.OpEnsureIssue,
		task.OpEnsureBranch,
		task.OpSyncStatus,
		task.OpOpenChangeRequest,
		task.OpMergeChangeRequest,
		task.OpPostComment,
	} {
		rec, ok := latest[op]
		if !ok || rec.Result == task.SyncSuccess {
			continue
		}
		fmt.Printf("Unreconciled sync %s: %s on %s: %s\n", rec.Result, rec.Operation, rec.TargetSystem, rec.Detail)
	}
	return nil
}

// blockCmd moves an active task to Blocked
var blockCmd = &cobra.Command{
	Use:   "block <task-id>",
	Short: "Block an active task, abandoning any open gate invocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if blockReason == "" {
			return fmt.Errorf("--reason is required")
		}
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		t, err := rt.controller.Block(cmd.Context(), args[0], blockReason, approverIdentity())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s blocked (was %s)\n", t.ID, t.BlockedFrom)
		return nil
	},
}

// unblockCmd restores a blocked task to its pre-block status
var unblockCmd = &cobra.Command{
	Use:   "unblock <task-id>",
	Short: "Restore a blocked task to the status it was blocked from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		t, err := rt.controller.Unblock(cmd.Context(), args[0], approverIdentity())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s restored to %s\n", t.ID, t.Status)
		return nil
	},
}

// prepareHandoverCmd persists a continuation summary on the task
var prepareHandoverCmd = &cobra.Command{
	Use:   "prepare-handover <task-id>",
	Short: "Record a handover summary so another operator can resume the task",
	Long: `Persist a continuation block on the task. Without --summary the
changelog-writer agent is dispatched to author one from the task's
history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		t, err := rt.controller.RecordHandover(cmd.Context(), args[0], handoverSummary, approverIdentity())
		if err != nil {
			return err
		}
		warnDirtyWorktree(rt.cfg.GitHub.LocalRepoPath)
		fmt.Printf("Handover recorded for task %s:\n  %s\n", t.ID, t.Handover)
		return nil
	},
}

// warnDirtyWorktree tells the operator when uncommitted work would be
// lost in a handover. Best effort; a missing clone is not an error.
func warnDirtyWorktree(repoPath string) {
	local, err := vcs.OpenLocal(repoPath)
	if err != nil || local == nil {
		return
	}
	clean, err := local.WorktreeClean()
	if err != nil || clean {
		return
	}
	branch, _ := local.CurrentBranch()
	if branch != "" {
		fmt.Fprintf(os.Stderr, "warning: uncommitted changes on branch %s; commit or stash before handing over\n", branch)
		return
	}
	fmt.Fprintln(os.Stderr, "warning: uncommitted changes in the worktree; commit or stash before handing over")
}

// readInline returns the value directly, or the file contents when it
// starts with '@'.
func readInline(v string) (string, error) {
	if len(v) == 0 || v[0] != '@' {
		return v, nil
	}
	content, err := os.ReadFile(v[1:])
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", v[1:], err)
	}
	return string(content), nil
}
