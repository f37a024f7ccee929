package gate

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// ErrGateAlreadyPassed is returned when a gate is re-entered after it
// was satisfied. Commands treat it as a no-op and report current status.
var ErrGateAlreadyPassed = errors.New("gate already passed")

// ErrTaskNotActive is returned when a gate operation targets a task in
// a terminal or blocked state.
var ErrTaskNotActive = errors.New("task is not in an active state")

// OutOfOrderGateError is returned when a gate is entered before its
// predecessor was satisfied. It is fatal to the call, not to the task.
type OutOfOrderGateError struct {
	TaskID   string
	GateID   task.GateID
	Expected task.Status
	Actual   task.Status
}

func (e *OutOfOrderGateError) Error() string {
	return fmt.Sprintf("task %s: gate %s requires status %q, task is %q",
		e.TaskID, e.GateID, e.Expected, e.Actual)
}

// StuckGateError is returned when a gate's NeedsRevision count exceeds
// the configured maximum. Automatic progress stops; the operator must
// intervene manually.
type StuckGateError struct {
	TaskID    string
	GateID    task.GateID
	Revisions int
	Max       int
}

func (e *StuckGateError) Error() string {
	return fmt.Sprintf("task %s: gate %s stuck after %d revisions (max %d)",
		e.TaskID, e.GateID, e.Revisions, e.Max)
}
