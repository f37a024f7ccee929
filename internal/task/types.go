package task

import (
	"time"
)

// CompletionState tracks a step's progress.
type CompletionState string

const (
	StepPending CompletionState = "pending"
	StepDone    CompletionState = "done"
	StepSplit   CompletionState = "split"
)

// Step is one technical step of a task with its acceptance criteria.
// A step rewritten by the splitter carries a SplitReference instead of
// being deleted, preserving traceability to the child task.
type Step struct {
	Description        string          `json:"description"`
	AcceptanceCriteria string          `json:"acceptance_criteria,omitempty"`
	CompletionState    CompletionState `json:"completion_state"`
	Evidence           string          `json:"evidence,omitempty"`
	SplitRef           *SplitReference `json:"split_ref,omitempty"`
}

// SplitReference points a parent step at the child task that now owns it.
type SplitReference struct {
	ChildTaskID string `json:"child_task_id"`
	IssueRef    string `json:"issue_ref,omitempty"`
}

// ChangelogEntry is one timestamped, append-only record of work done.
type ChangelogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Summary   string    `json:"summary"`
	Effect    string    `json:"effect,omitempty"`
	Author    string    `json:"author,omitempty"`
}

// Task is the aggregate root: one unit of work from intent to merge.
//
// Version is the optimistic concurrency token maintained by the store;
// Save fails with ConcurrentModificationError when it is stale. Status
// and GatesPassed are owned exclusively by the gate controller. The
// three *Ref fields are set at most once, by the external sync adapters.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
	TestPlan    string `json:"test_plan,omitempty"`

	Status      Status   `json:"status"`
	GatesPassed []GateID `json:"gates_passed"`

	// BlockedFrom remembers the active status a blocked task came from
	// so a manual clear can restore it.
	BlockedFrom Status `json:"blocked_from,omitempty"`

	BranchRef        string `json:"branch_ref,omitempty"`
	IssueRef         string `json:"issue_ref,omitempty"`
	ChangeRequestRef string `json:"change_request_ref,omitempty"`

	// ParentID links a child task produced by the splitter to its parent.
	ParentID string `json:"parent_id,omitempty"`

	Steps     []Step           `json:"steps,omitempty"`
	Changelog []ChangelogEntry `json:"changelog,omitempty"`

	// Revisions counts NeedsRevision verdicts per gate. Persisted so the
	// stuck-gate threshold survives process restarts.
	Revisions map[GateID]int `json:"revisions,omitempty"`

	// Handover is the continuation block written when control passes
	// between drivers.
	Handover string `json:"handover,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GatePassed reports whether the task already satisfied the given gate.
func (t *Task) GatePassed(id GateID) bool {
	for _, g := range t.GatesPassed {
		if g == id {
			return true
		}
	}
	return false
}

// RevisionCount returns how many NeedsRevision verdicts the gate has
// accumulated.
func (t *Task) RevisionCount(id GateID) int {
	if t.Revisions == nil {
		return 0
	}
	return t.Revisions[id]
}

// Spec describes a task to be created. The splitter agent returns child
// Specs when a task is too large.
type Spec struct {
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
	TestPlan    string `json:"test_plan,omitempty"`
	Steps       []Step `json:"steps,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}
