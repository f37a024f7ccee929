package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// CreateInvocation records a new gate invocation. It fails with
// ErrOpenInvocationExists if the task already has one awaiting a
// verdict: a task has at most one open invocation at any time.
func (s *Store) CreateInvocation(ctx context.Context, inv *task.GateInvocation) error {
	open, err := s.OpenInvocation(ctx, inv.TaskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if open != nil {
		return ErrOpenInvocationExists
	}

	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.InvokedAt.IsZero() {
		inv.InvokedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_invocations (id, task_id, gate_id, invoked_agent, confirmed_by,
			input_snapshot, verdict, notes, abandoned, invoked_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, NULL)`,
		inv.ID, inv.TaskID, string(inv.GateID), nullable(string(inv.InvokedAgent)),
		nullable(inv.ConfirmedBy), inv.InputSnapshot, inv.InvokedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert gate invocation: %w", err)
	}
	return nil
}

// OpenInvocation returns the task's invocation awaiting a verdict, or
// ErrNotFound if none is open.
func (s *Store) OpenInvocation(ctx context.Context, taskID string) (*task.GateInvocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, gate_id, invoked_agent, confirmed_by, input_snapshot,
			verdict, notes, abandoned, invoked_at, decided_at
		FROM gate_invocations
		WHERE task_id = ? AND verdict IS NULL AND abandoned = 0
		ORDER BY invoked_at DESC LIMIT 1`, taskID)
	return scanInvocation(row)
}

// DecideInvocation records the verdict on an open invocation, making it
// immutable. Retries after NeedsRevision create a new invocation.
func (s *Store) DecideInvocation(ctx context.Context, invocationID string, verdict task.Verdict, notes, confirmedBy string) error {
	if !verdict.Valid() {
		return fmt.Errorf("invalid verdict %q", verdict)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE gate_invocations
		SET verdict = ?, notes = ?, confirmed_by = COALESCE(?, confirmed_by), decided_at = ?
		WHERE id = ? AND verdict IS NULL AND abandoned = 0`,
		string(verdict), nullable(notes), nullable(confirmedBy),
		time.Now().UTC().Format(timeLayout), invocationID,
	)
	if err != nil {
		return fmt.Errorf("decide gate invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invocation %s is not open", invocationID)
	}
	return nil
}

// AbandonInvocation marks an open invocation abandoned. Used when the
// operator blocks a task with an invocation still in flight.
func (s *Store) AbandonInvocation(ctx context.Context, invocationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gate_invocations SET abandoned = 1, decided_at = ?
		WHERE id = ? AND verdict IS NULL AND abandoned = 0`,
		time.Now().UTC().Format(timeLayout), invocationID,
	)
	if err != nil {
		return fmt.Errorf("abandon gate invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invocation %s is not open", invocationID)
	}
	return nil
}

// ListInvocations returns all invocations for a task and gate, oldest
// first. This is the full audit trail of attempts.
func (s *Store) ListInvocations(ctx context.Context, taskID string, gateID task.GateID) ([]*task.GateInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, gate_id, invoked_agent, confirmed_by, input_snapshot,
			verdict, notes, abandoned, invoked_at, decided_at
		FROM gate_invocations
		WHERE task_id = ? AND gate_id = ?
		ORDER BY invoked_at`, taskID, string(gateID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*task.GateInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

func scanInvocation(row scanner) (*task.GateInvocation, error) {
	var inv task.GateInvocation
	var agent, confirmedBy, verdict, notes, decidedAt sql.NullString
	var gateID, invokedAt string
	var abandoned int

	err := row.Scan(&inv.ID, &inv.TaskID, &gateID, &agent, &confirmedBy, &inv.InputSnapshot,
		&verdict, &notes, &abandoned, &invokedAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.GateID = task.GateID(gateID)
	inv.InvokedAgent = task.AgentName(agent.String)
	inv.ConfirmedBy = confirmedBy.String
	inv.Verdict = task.Verdict(verdict.String)
	inv.Notes = notes.String
	inv.Abandoned = abandoned != 0
	if inv.InvokedAt, err = time.Parse(timeLayout, invokedAt); err != nil {
		return nil, fmt.Errorf("parse invoked_at: %w", err)
	}
	if decidedAt.Valid {
		if inv.DecidedAt, err = time.Parse(timeLayout, decidedAt.String); err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
	}
	return &inv, nil
}
