package task

import "fmt"

// Status represents a task's position in the lifecycle.
type Status string

const (
	// StatusDraft is the initial state while the task record is assembled.
	StatusDraft Status = "draft"

	// StatusRequirementsReview awaits business sign-off on requirements.
	StatusRequirementsReview Status = "requirements_review"

	// StatusTestPlanReview awaits sign-off on the test plan.
	StatusTestPlanReview Status = "test_plan_review"

	// StatusTechnicalReview awaits the planner-reviewer verdict.
	StatusTechnicalReview Status = "technical_review"

	// StatusSplitEvaluation awaits the splitter verdict.
	StatusSplitEvaluation Status = "split_evaluation"

	// StatusReadyForImplementation means all planning gates passed.
	StatusReadyForImplementation Status = "ready_for_implementation"

	// StatusInProgress means implementation work is underway.
	StatusInProgress Status = "in_progress"

	// StatusInReview means a change request is open and under review.
	StatusInReview Status = "in_review"

	// StatusDocumentationUpdate awaits the doc-updater verdict.
	StatusDocumentationUpdate Status = "documentation_update"

	// StatusReadyToMerge means review and documentation gates passed.
	StatusReadyToMerge Status = "ready_to_merge"

	// StatusDone is terminal: the change request is merged.
	StatusDone Status = "done"

	// StatusBlocked is a side state reachable from any active state.
	// It requires a manual clear.
	StatusBlocked Status = "blocked"
)

// StatusOrder returns the forward path of the lifecycle in order.
// Blocked is a side state and does not appear.
func StatusOrder() []Status {
	return []Status{
		StatusDraft,
		StatusRequirementsReview,
		StatusTestPlanReview,
		StatusTechnicalReview,
		StatusSplitEvaluation,
		StatusReadyForImplementation,
		StatusInProgress,
		StatusInReview,
		StatusDocumentationUpdate,
		StatusReadyToMerge,
		StatusDone,
	}
}

// statusIndex returns the position of s on the forward path, or -1 for
// Blocked and unknown values.
func statusIndex(s Status) int {
	for i, candidate := range StatusOrder() {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusBlocked || statusIndex(s) >= 0
}

// Terminal reports whether s admits no further forward transitions.
// Blocked is not terminal: it can be cleared back to an active state.
func (s Status) Terminal() bool {
	return s == StatusDone
}

// Active reports whether the task is still being driven through gates.
func (s Status) Active() bool {
	return s.Valid() && s != StatusDone && s != StatusBlocked
}

// Next returns the status immediately following s on the forward path.
func (s Status) Next() (Status, error) {
	idx := statusIndex(s)
	if idx < 0 {
		return "", fmt.Errorf("status %q has no forward successor", s)
	}
	order := StatusOrder()
	if idx == len(order)-1 {
		return "", fmt.Errorf("status %q is terminal", s)
	}
	return order[idx+1], nil
}

// TrackerStatus is the issue tracker's status vocabulary.
type TrackerStatus string

const (
	TrackerBusinessReview         TrackerStatus = "Business Review"
	TrackerReadyForImplementation TrackerStatus = "Ready for Implementation"
	TrackerInProgress             TrackerStatus = "In Progress"
	TrackerInReview               TrackerStatus = "In Review"
	TrackerReadyToMerge           TrackerStatus = "Ready to Merge"
	TrackerDone                   TrackerStatus = "Done"
	TrackerBlocked                TrackerStatus = "Blocked"
)

// trackerStatusTable is the fixed internal-to-tracker vocabulary mapping.
// Statuses up to SplitEvaluation map to "Business Review" even though no
// issue exists yet; the issue is created at ReadyForImplementation.
var trackerStatusTable = map[Status]TrackerStatus{
	StatusDraft:                  TrackerBusinessReview,
	StatusRequirementsReview:     TrackerBusinessReview,
	StatusTestPlanReview:         TrackerBusinessReview,
	StatusTechnicalReview:        TrackerBusinessReview,
	StatusSplitEvaluation:        TrackerBusinessReview,
	StatusReadyForImplementation: TrackerReadyForImplementation,
	StatusInProgress:             TrackerInProgress,
	StatusInReview:               TrackerInReview,
	StatusDocumentationUpdate:    TrackerInReview,
	StatusReadyToMerge:           TrackerReadyToMerge,
	StatusDone:                   TrackerDone,
	StatusBlocked:                TrackerBlocked,
}

// TrackerStatusFor maps an internal status to the tracker vocabulary.
func TrackerStatusFor(s Status) (TrackerStatus, error) {
	ts, ok := trackerStatusTable[s]
	if !ok {
		return "", fmt.Errorf("no tracker status mapped for %q", s)
	}
	return ts, nil
}
