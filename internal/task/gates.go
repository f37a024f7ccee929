package task

import (
	"fmt"
	"time"
)

// GateID names a checkpoint in the lifecycle.
type GateID string

const (
	GateRequirements        GateID = "requirements"
	GateTestPlan            GateID = "test_plan"
	GateTechnicalReview     GateID = "technical_review"
	GateSplitEvaluation     GateID = "split_evaluation"
	GateImplementationStart GateID = "implementation_start"
	GateImplementation      GateID = "implementation"
	GateCodeReview          GateID = "code_review"
	GateDocumentation       GateID = "documentation"
	GateMerge               GateID = "merge"
)

// AgentName identifies a sub-agent on the dispatcher's roster.
type AgentName string

const (
	AgentPlannerReviewer AgentName = "planner-reviewer"
	AgentSplitter        AgentName = "splitter"
	AgentValidator       AgentName = "validator"
	AgentPRCreator       AgentName = "pr-creator"
	AgentDocUpdater      AgentName = "doc-updater"
	AgentChangelogWriter AgentName = "changelog-writer"
)

// GateSpec describes one checkpoint: the status it is entered from, the
// status reached on approval, and the sub-agent consulted, if any. A
// gate with an empty Agent is satisfied by explicit human confirmation.
type GateSpec struct {
	ID    GateID
	Entry Status
	Next  Status
	Agent AgentName
}

// Human reports whether the gate requires operator confirmation rather
// than a sub-agent verdict.
func (g GateSpec) Human() bool {
	return g.Agent == ""
}

// GateOrder returns all gates in lifecycle order. Draft has no gate:
// task creation finalizes the draft into RequirementsReview directly,
// recorded in the changelog.
func GateOrder() []GateSpec {
	return []GateSpec{
		{ID: GateRequirements, Entry: StatusRequirementsReview, Next: StatusTestPlanReview},
		{ID: GateTestPlan, Entry: StatusTestPlanReview, Next: StatusTechnicalReview},
		{ID: GateTechnicalReview, Entry: StatusTechnicalReview, Next: StatusSplitEvaluation, Agent: AgentPlannerReviewer},
		{ID: GateSplitEvaluation, Entry: StatusSplitEvaluation, Next: StatusReadyForImplementation, Agent: AgentSplitter},
		{ID: GateImplementationStart, Entry: StatusReadyForImplementation, Next: StatusInProgress},
		{ID: GateImplementation, Entry: StatusInProgress, Next: StatusInReview, Agent: AgentPRCreator},
		{ID: GateCodeReview, Entry: StatusInReview, Next: StatusDocumentationUpdate, Agent: AgentValidator},
		{ID: GateDocumentation, Entry: StatusDocumentationUpdate, Next: StatusReadyToMerge, Agent: AgentDocUpdater},
		{ID: GateMerge, Entry: StatusReadyToMerge, Next: StatusDone},
	}
}

// GateByID looks up a gate spec by identifier.
func GateByID(id GateID) (GateSpec, error) {
	for _, g := range GateOrder() {
		if g.ID == id {
			return g, nil
		}
	}
	return GateSpec{}, fmt.Errorf("unknown gate %q", id)
}

// GatesPassedIsPrefix reports whether passed is a strict prefix of the
// canonical gate order. This is the ordering invariant every persisted
// task must satisfy.
func GatesPassedIsPrefix(passed []GateID) bool {
	order := GateOrder()
	if len(passed) > len(order) {
		return false
	}
	for i, id := range passed {
		if order[i].ID != id {
			return false
		}
	}
	return true
}

// Verdict is the structured outcome of a gate attempt.
type Verdict string

const (
	VerdictApproved      Verdict = "approved"
	VerdictNeedsRevision Verdict = "needs_revision"
	VerdictRejected      Verdict = "rejected"
)

// Valid reports whether v is a known verdict value.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictNeedsRevision, VerdictRejected:
		return true
	}
	return false
}

// GateInvocation is one attempt to satisfy a gate. It is created when
// the gate is entered and immutable once a verdict is recorded; a
// retry after NeedsRevision produces a new invocation rather than
// mutating the old one, preserving the full audit trail.
type GateInvocation struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	GateID        GateID    `json:"gate_id"`
	InvokedAgent  AgentName `json:"invoked_agent,omitempty"`
	ConfirmedBy   string    `json:"confirmed_by,omitempty"`
	InputSnapshot string    `json:"input_snapshot"`
	Verdict       Verdict   `json:"verdict,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Abandoned     bool      `json:"abandoned,omitempty"`
	InvokedAt     time.Time `json:"invoked_at"`
	DecidedAt     time.Time `json:"decided_at,omitempty"`
}

// Open reports whether the invocation still awaits a verdict.
func (gi *GateInvocation) Open() bool {
	return gi.Verdict == "" && !gi.Abandoned
}
