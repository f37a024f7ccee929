package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TargetSystem identifies the external system an adapter call went to.
type TargetSystem string

const (
	TargetVersionControl TargetSystem = "version_control"
	TargetIssueTracker   TargetSystem = "issue_tracker"
)

// SyncOperation names an adapter operation for the audit trail.
type SyncOperation string

const (
	OpEnsureBranch       SyncOperation = "ensure_branch"
	OpEnsureIssue        SyncOperation = "ensure_issue"
	OpSyncStatus         SyncOperation = "sync_status"
	OpOpenChangeRequest  SyncOperation = "open_change_request"
	OpMergeChangeRequest SyncOperation = "merge_change_request"
	OpPostComment        SyncOperation = "post_comment"
)

// SyncResult is the recorded outcome of one adapter call.
type SyncResult string

const (
	SyncSuccess SyncResult = "success"
	SyncFailed  SyncResult = "failed"
	// SyncUnknown is recorded when the call was issued but the outcome
	// could not be determined (e.g. the process died mid-call and the
	// record was written ahead of the attempt).
	SyncUnknown SyncResult = "unknown"
)

// ExternalSyncRecord is one attempted call to an external system. The
// reconciler uses these to detect tasks whose status implies external
// state with no corresponding success record.
type ExternalSyncRecord struct {
	ID           int64         `json:"id"`
	TaskID       string        `json:"task_id"`
	TargetSystem TargetSystem  `json:"target_system"`
	Operation    SyncOperation `json:"operation"`
	PayloadHash  string        `json:"request_payload_hash"`
	Result       SyncResult    `json:"result"`
	Detail       string        `json:"detail,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// HashPayload produces the request payload hash recorded with each
// sync attempt.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
