// Package reconcile keeps the external systems consistent with the
// task store. SyncLog is the recording layer every adapter call flows
// through: it appends an ExternalSyncRecord for each attempt, and the
// Reconciler reads those records to detect tasks whose status implies
// external state with no corresponding success, re-issuing the calls.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// VCS is the version-control adapter surface the sync log wraps.
type VCS interface {
	EnsureBranch(ctx context.Context, t *task.Task) (string, error)
	OpenChangeRequest(ctx context.Context, t *task.Task) (string, error)
	MergeChangeRequest(ctx context.Context, t *task.Task) (string, error)
}

// Tracker is the issue-tracker adapter surface the sync log wraps.
type Tracker interface {
	EnsureIssue(ctx context.Context, t *task.Task) (string, error)
	SyncStatus(ctx context.Context, t *task.Task, target task.TrackerStatus) error
}

// SyncLog wraps the raw adapters with audit recording and a per-call
// timeout. It implements gate.Syncer and is the only path through
// which external calls are made, so every attempt leaves a record.
type SyncLog struct {
	store   *store.Store
	vcs     VCS
	tracker Tracker
	timeout time.Duration
	logger  *logging.Logger
}

// NewSyncLog creates the recording sync layer.
func NewSyncLog(st *store.Store, v VCS, tr Tracker, timeout time.Duration, logger *logging.Logger) *SyncLog {
	if logger == nil {
		logger = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SyncLog{
		store:   st,
		vcs:     v,
		tracker: tr,
		timeout: timeout,
		logger:  logger.Named("synclog"),
	}
}

// EnsureBranch records and delegates.
func (s *SyncLog) EnsureBranch(ctx context.Context, t *task.Task) (string, error) {
	var ref string
	err := s.record(ctx, t, task.TargetVersionControl, task.OpEnsureBranch, t.BranchRef, func(ctx context.Context) (string, error) {
		var err error
		ref, err = s.vcs.EnsureBranch(ctx, t)
		return ref, err
	})
	return ref, err
}

// EnsureIssue records and delegates.
func (s *SyncLog) EnsureIssue(ctx context.Context, t *task.Task) (string, error) {
	var ref string
	err := s.record(ctx, t, task.TargetIssueTracker, task.OpEnsureIssue, t.IssueRef, func(ctx context.Context) (string, error) {
		var err error
		ref, err = s.tracker.EnsureIssue(ctx, t)
		return ref, err
	})
	return ref, err
}

// SyncStatus records and delegates. The target status is written into
// the record detail so the reconciler can tell which status the last
// successful mirror carried.
func (s *SyncLog) SyncStatus(ctx context.Context, t *task.Task, target task.TrackerStatus) error {
	return s.record(ctx, t, task.TargetIssueTracker, task.OpSyncStatus, string(target), func(ctx context.Context) (string, error) {
		return string(target), s.tracker.SyncStatus(ctx, t, target)
	})
}

// OpenChangeRequest records and delegates.
func (s *SyncLog) OpenChangeRequest(ctx context.Context, t *task.Task) (string, error) {
	var ref string
	err := s.record(ctx, t, task.TargetVersionControl, task.OpOpenChangeRequest, t.ChangeRequestRef, func(ctx context.Context) (string, error) {
		var err error
		ref, err = s.vcs.OpenChangeRequest(ctx, t)
		return ref, err
	})
	return ref, err
}

// MergeChangeRequest records and delegates.
func (s *SyncLog) MergeChangeRequest(ctx context.Context, t *task.Task) (string, error) {
	var commit string
	err := s.record(ctx, t, task.TargetVersionControl, task.OpMergeChangeRequest, t.ChangeRequestRef, func(ctx context.Context) (string, error) {
		var err error
		commit, err = s.vcs.MergeChangeRequest(ctx, t)
		return commit, err
	})
	return commit, err
}

// record runs one adapter call under the sync timeout and appends the
// audit record with the outcome. The record is written for failures
// too; those are what reconciliation looks for.
func (s *SyncLog) record(ctx context.Context, t *task.Task, target task.TargetSystem, op task.SyncOperation, payload string, fn func(ctx context.Context) (string, error)) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hash, herr := payloadHash(t.ID, op, payload)
	if herr != nil {
		return herr
	}

	detail, err := fn(callCtx)
	rec := &task.ExternalSyncRecord{
		TaskID:       t.ID,
		TargetSystem: target,
		Operation:    op,
		PayloadHash:  hash,
		Result:       task.SyncSuccess,
		Detail:       detail,
	}
	if err != nil {
		rec.Result = task.SyncFailed
		rec.Detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// An interrupted call may still have reached the remote;
			// the outcome is indeterminate until reconciliation checks.
			rec.Result = task.SyncUnknown
		}
	}

	// The append must outlive the cancellation that failed the call, or
	// timed-out attempts would vanish from the audit trail.
	appendCtx, appendCancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer appendCancel()
	if aerr := s.store.AppendSyncRecord(appendCtx, rec); aerr != nil {
		// The audit trail must not mask the call outcome; log and keep
		// the original error.
		s.logger.Error(ctx, "failed to append sync record",
			zap.String("task_id", t.ID),
			zap.String("operation", string(op)),
			zap.Error(aerr))
	}
	return err
}

func payloadHash(taskID string, op task.SyncOperation, payload string) (string, error) {
	b, err := json.Marshal(map[string]string{
		"task_id":   taskID,
		"operation": string(op),
		"payload":   payload,
	})
	if err != nil {
		return "", err
	}
	return task.HashPayload(b), nil
}
