package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// AppendSyncRecord records one attempted external-system call. Records
// are append-only; the reconciler reads them to detect drift.
func (s *Store) AppendSyncRecord(ctx context.Context, rec *task.ExternalSyncRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (task_id, target_system, operation, payload_hash, result, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, string(rec.TargetSystem), string(rec.Operation), rec.PayloadHash,
		string(rec.Result), nullable(rec.Detail), rec.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append sync record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// LatestRecord returns the most recent sync record for a task and
// operation, or ErrNotFound when the operation was never attempted.
func (s *Store) LatestRecord(ctx context.Context, taskID string, op task.SyncOperation) (*task.ExternalSyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, target_system, operation, payload_hash, result, detail, ts
		FROM sync_records WHERE task_id = ? AND operation = ?
		ORDER BY id DESC LIMIT 1`, taskID, string(op))
	return scanSyncRecord(row)
}

// HasSuccess reports whether the task has at least one successful
// record for the operation.
func (s *Store) HasSuccess(ctx context.Context, taskID string, op task.SyncOperation) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM sync_records
		WHERE task_id = ? AND operation = ? AND result = ?
		LIMIT 1`, taskID, string(op), string(task.SyncSuccess)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListSyncRecords returns all sync records for a task, oldest first.
func (s *Store) ListSyncRecords(ctx context.Context, taskID string) ([]*task.ExternalSyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, target_system, operation, payload_hash, result, detail, ts
		FROM sync_records WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*task.ExternalSyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanSyncRecord(row scanner) (*task.ExternalSyncRecord, error) {
	var rec task.ExternalSyncRecord
	var target, op, result, ts string
	var detail sql.NullString

	err := row.Scan(&rec.ID, &rec.TaskID, &target, &op, &rec.PayloadHash, &result, &detail, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.TargetSystem = task.TargetSystem(target)
	rec.Operation = task.SyncOperation(op)
	rec.Result = task.SyncResult(result)
	rec.Detail = detail.String
	if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return nil, fmt.Errorf("parse sync record timestamp: %w", err)
	}
	return &rec, nil
}
