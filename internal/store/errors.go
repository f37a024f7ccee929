package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no task exists for the given identifier.
var ErrNotFound = errors.New("task not found")

// ErrOpenInvocationExists is returned when a second gate invocation is
// created while one is still awaiting a verdict. A task has at most one
// open invocation at a time.
var ErrOpenInvocationExists = errors.New("an open gate invocation already exists for this task")

// ConcurrentModificationError is returned by Save when the stored
// version no longer matches the version the caller loaded. The caller
// must reload and retry; concurrent edits are never silently clobbered.
type ConcurrentModificationError struct {
	TaskID   string
	Expected int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("task %s was modified concurrently (expected version %d)", e.TaskID, e.Expected)
}

// RefAlreadySetError is returned when a *_ref field that is set at most
// once would be reassigned to a different value. Setting the same value
// again is a no-op, not an error.
type RefAlreadySetError struct {
	TaskID  string
	Field   string
	Current string
}

func (e *RefAlreadySetError) Error() string {
	return fmt.Sprintf("task %s: %s already set to %q", e.TaskID, e.Field, e.Current)
}
