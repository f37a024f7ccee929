package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// syncTransition mirrors the task's new status into the external
// systems. Failures are logged and counted but never propagate: the
// controller's view of progress is authoritative and external systems
// are eventually-consistent mirrors, repaired by reconciliation.
func (c *Controller) syncTransition(ctx context.Context, t *task.Task) {
	if c.syncer == nil {
		return
	}

	for _, step := range SyncPlan(t.Status, t.IssueRef != "") {
		if err := c.runSyncStep(ctx, t, step); err != nil {
			if c.syncFailCounter != nil {
				c.syncFailCounter.Add(ctx, 1)
			}
			c.logger.Warn(ctx, "external sync failed, flagged for reconciliation",
				zap.String("operation", string(step)),
				zap.String("status", string(t.Status)),
				zap.Error(err))
		}
	}
}

// SyncPlan returns the adapter operations mapped to reaching the given
// status. Blocked only syncs when an issue already exists; statuses
// before ReadyForImplementation map to "Business Review" in the
// vocabulary but trigger no call because no issue exists yet.
func SyncPlan(status task.Status, hasIssue bool) []task.SyncOperation {
	switch status {
	case task.StatusReadyForImplementation:
		return []task.SyncOperation{task.OpEnsureIssue, task.OpSyncStatus}
	case task.StatusInProgress:
		return []task.SyncOperation{task.OpEnsureBranch, task.OpSyncStatus}
	case task.StatusInReview:
		return []task.SyncOperation{task.OpOpenChangeRequest, task.OpSyncStatus}
	case task.StatusDocumentationUpdate, task.StatusReadyToMerge:
		return []task.SyncOperation{task.OpSyncStatus}
	case task.StatusDone:
		return []task.SyncOperation{task.OpMergeChangeRequest, task.OpSyncStatus}
	case task.StatusBlocked:
		if hasIssue {
			return []task.SyncOperation{task.OpSyncStatus}
		}
		return nil
	default:
		return nil
	}
}

// runSyncStep executes one adapter operation and persists any reference
// it yields. References are set at most once; the store treats
// re-setting the same value as a no-op.
func (c *Controller) runSyncStep(ctx context.Context, t *task.Task, op task.SyncOperation) error {
	switch op {
	case task.OpEnsureIssue:
		ref, err := c.syncer.EnsureIssue(ctx, t)
		if err != nil {
			return err
		}
		t.IssueRef = ref
		return c.store.SetRef(ctx, t.ID, store.RefIssue, ref)

	case task.OpEnsureBranch:
		ref, err := c.syncer.EnsureBranch(ctx, t)
		if err != nil {
			return err
		}
		t.BranchRef = ref
		return c.store.SetRef(ctx, t.ID, store.RefBranch, ref)

	case task.OpOpenChangeRequest:
		ref, err := c.syncer.OpenChangeRequest(ctx, t)
		if err != nil {
			return err
		}
		t.ChangeRequestRef = ref
		return c.store.SetRef(ctx, t.ID, store.RefChangeRequest, ref)

	case task.OpMergeChangeRequest:
		_, err := c.syncer.MergeChangeRequest(ctx, t)
		return err

	case task.OpSyncStatus:
		target, err := task.TrackerStatusFor(t.Status)
		if err != nil {
			return err
		}
		return c.syncer.SyncStatus(ctx, t, target)
	}
	return nil
}
