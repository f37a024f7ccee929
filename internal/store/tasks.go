package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

const timeLayout = time.RFC3339Nano

// Create inserts a new task from the given spec. The task starts in
// Draft at version 1; walking it into the gated lifecycle is the gate
// controller's job.
func (s *Store) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if spec.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}

	specSteps := make([]task.Step, len(spec.Steps))
	copy(specSteps, spec.Steps)
	for i := range specSteps {
		if specSteps[i].CompletionState == "" {
			specSteps[i].CompletionState = task.StepPending
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		Title:       spec.Title,
		Requirement: spec.Requirement,
		TestPlan:    spec.TestPlan,
		Status:      task.StatusDraft,
		GatesPassed: []task.GateID{},
		ParentID:    spec.ParentID,
		Steps:       specSteps,
		Revisions:   map[task.GateID]int{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	gates, steps, revisions, err := marshalAggregates(t)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, requirement, test_plan, status, blocked_from,
			gates_passed, branch_ref, issue_ref, change_request_ref, parent_id,
			steps, revisions, handover, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Requirement, nullable(t.TestPlan), string(t.Status), nullable(string(t.BlockedFrom)),
		gates, nullable(t.BranchRef), nullable(t.IssueRef), nullable(t.ChangeRequestRef), nullable(t.ParentID),
		steps, revisions, nullable(t.Handover), t.Version,
		t.CreatedAt.Format(timeLayout), t.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Load retrieves a task aggregate, including its changelog.
func (s *Store) Load(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, requirement, test_plan, status, blocked_from,
			gates_passed, branch_ref, issue_ref, change_request_ref, parent_id,
			steps, revisions, handover, version, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	entries, err := s.loadChangelog(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Changelog = entries
	return t, nil
}

// Save overwrites the task aggregate with an optimistic version check.
// The persisted version must equal t.Version; on success the stored and
// in-memory versions are incremented. Changelog entries are not written
// here: the changelog is append-only via AppendChangelog.
func (s *Store) Save(ctx context.Context, t *task.Task) error {
	gates, steps, revisions, err := marshalAggregates(t)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, requirement = ?, test_plan = ?, status = ?,
			blocked_from = ?, gates_passed = ?, branch_ref = ?, issue_ref = ?,
			change_request_ref = ?, parent_id = ?, steps = ?, revisions = ?,
			handover = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		t.Title, t.Requirement, nullable(t.TestPlan), string(t.Status),
		nullable(string(t.BlockedFrom)), gates, nullable(t.BranchRef), nullable(t.IssueRef),
		nullable(t.ChangeRequestRef), nullable(t.ParentID), steps, revisions,
		nullable(t.Handover), now.Format(timeLayout),
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := s.taskExists(ctx, t.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return &ConcurrentModificationError{TaskID: t.ID, Expected: t.Version}
	}

	t.Version++
	t.UpdatedAt = now
	return nil
}

// AppendChangelog appends one entry to the task's changelog. Entries
// are never updated or deleted.
func (s *Store) AppendChangelog(ctx context.Context, taskID string, entry task.ChangelogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO changelog (task_id, ts, component, summary, effect, author)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, entry.Timestamp.Format(timeLayout), entry.Component, entry.Summary,
		nullable(entry.Effect), nullable(entry.Author),
	)
	if err != nil {
		return fmt.Errorf("append changelog: %w", err)
	}
	return nil
}

// UpdateStep records completion state and evidence for one step,
// reusing the optimistic save path.
func (s *Store) UpdateStep(ctx context.Context, taskID string, index int, state task.CompletionState, evidence string) error {
	t, err := s.Load(ctx, taskID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(t.Steps) {
		return fmt.Errorf("step index %d out of range (task has %d steps)", index, len(t.Steps))
	}
	t.Steps[index].CompletionState = state
	t.Steps[index].Evidence = evidence
	return s.Save(ctx, t)
}

// RefField identifies one of the set-once external reference fields.
type RefField string

const (
	RefBranch        RefField = "branch_ref"
	RefIssue         RefField = "issue_ref"
	RefChangeRequest RefField = "change_request_ref"
)

// SetRef sets one of the external reference fields. Each is set at most
// once: setting the same value again is a no-op, a different value is a
// RefAlreadySetError.
func (s *Store) SetRef(ctx context.Context, taskID string, field RefField, value string) error {
	if value == "" {
		return fmt.Errorf("ref value is required")
	}
	t, err := s.Load(ctx, taskID)
	if err != nil {
		return err
	}

	var current *string
	switch field {
	case RefBranch:
		current = &t.BranchRef
	case RefIssue:
		current = &t.IssueRef
	case RefChangeRequest:
		current = &t.ChangeRequestRef
	default:
		return fmt.Errorf("unknown ref field %q", field)
	}

	if *current == value {
		return nil
	}
	if *current != "" {
		return &RefAlreadySetError{TaskID: taskID, Field: string(field), Current: *current}
	}
	*current = value
	return s.Save(ctx, t)
}

// ListActive returns every task that is neither Done nor Blocked.
func (s *Store) ListActive(ctx context.Context) ([]*task.Task, error) {
	return s.listByStatusFilter(ctx, `status NOT IN (?, ?)`, string(task.StatusDone), string(task.StatusBlocked))
}

// ListNonTerminal returns every task that is not Done, Blocked included.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*task.Task, error) {
	return s.listByStatusFilter(ctx, `status != ?`, string(task.StatusDone))
}

// ListAll returns every task. The reconciler walks all of them: even a
// Done task may carry an unmirrored status.
func (s *Store) ListAll(ctx context.Context) ([]*task.Task, error) {
	return s.listByStatusFilter(ctx, `1 = 1`)
}

// Children returns the child tasks produced by splitting the given parent.
func (s *Store) Children(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.listByStatusFilter(ctx, `parent_id = ?`, parentID)
}

func (s *Store) listByStatusFilter(ctx context.Context, where string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, requirement, test_plan, status, blocked_from,
			gates_passed, branch_ref, issue_ref, change_request_ref, parent_id,
			steps, revisions, handover, version, created_at, updated_at
		FROM tasks WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) taskExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? LIMIT 1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) loadChangelog(ctx context.Context, taskID string) ([]task.ChangelogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, component, summary, effect, author
		FROM changelog WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []task.ChangelogEntry
	for rows.Next() {
		var e task.ChangelogEntry
		var ts string
		var effect, author sql.NullString
		if err := rows.Scan(&ts, &e.Component, &e.Summary, &effect, &author); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse changelog timestamp: %w", err)
		}
		e.Effect = effect.String
		e.Author = author.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var testPlan, blockedFrom, branchRef, issueRef, crRef, parentID, handover sql.NullString
	var gates, steps, revisions, createdAt, updatedAt string
	var status string

	err := row.Scan(&t.ID, &t.Title, &t.Requirement, &testPlan, &status, &blockedFrom,
		&gates, &branchRef, &issueRef, &crRef, &parentID,
		&steps, &revisions, &handover, &t.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.TestPlan = testPlan.String
	t.Status = task.Status(status)
	t.BlockedFrom = task.Status(blockedFrom.String)
	t.BranchRef = branchRef.String
	t.IssueRef = issueRef.String
	t.ChangeRequestRef = crRef.String
	t.ParentID = parentID.String
	t.Handover = handover.String

	if err := json.Unmarshal([]byte(gates), &t.GatesPassed); err != nil {
		return nil, fmt.Errorf("decode gates_passed: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if err := json.Unmarshal([]byte(revisions), &t.Revisions); err != nil {
		return nil, fmt.Errorf("decode revisions: %w", err)
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func marshalAggregates(t *task.Task) (gates, steps, revisions string, err error) {
	if t.GatesPassed == nil {
		t.GatesPassed = []task.GateID{}
	}
	if t.Steps == nil {
		t.Steps = []task.Step{}
	}
	if t.Revisions == nil {
		t.Revisions = map[task.GateID]int{}
	}

	g, err := json.Marshal(t.GatesPassed)
	if err != nil {
		return "", "", "", fmt.Errorf("encode gates_passed: %w", err)
	}
	st, err := json.Marshal(t.Steps)
	if err != nil {
		return "", "", "", fmt.Errorf("encode steps: %w", err)
	}
	r, err := json.Marshal(t.Revisions)
	if err != nil {
		return "", "", "", fmt.Errorf("encode revisions: %w", err)
	}
	return string(g), string(st), string(r), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
