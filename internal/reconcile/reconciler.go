package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/gate"
	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgate/internal/reconcile"

// Drift is one detected divergence between a task's status and the
// external systems, plus the result of the repair attempt.
type Drift struct {
	TaskID    string             `json:"task_id"`
	Status    task.Status        `json:"status"`
	Operation task.SyncOperation `json:"operation"`
	Reason    string             `json:"reason"`
	Repaired  bool               `json:"repaired"`
	RepairErr string             `json:"repair_error,omitempty"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned  int     `json:"scanned"`
	Drifts   []Drift `json:"drifts"`
	Repaired int     `json:"repaired"`
}

// Reconciler walks the store and compares each task's status against
// the sync records, re-issuing any external call whose effect the
// records cannot vouch for. All repairs go through the same SyncLog
// the gate controller uses, so they are idempotent against systems
// that already hold the state.
type Reconciler struct {
	store  *store.Store
	sync   *SyncLog
	logger *logging.Logger
	tracer trace.Tracer
	meter  metric.Meter

	driftCounter  metric.Int64Counter
	repairCounter metric.Int64Counter
}

// NewReconciler creates a reconciler over the given store and sync log.
func NewReconciler(st *store.Store, sync *SyncLog, logger *logging.Logger) (*Reconciler, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sync == nil {
		return nil, fmt.Errorf("sync log is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Reconciler{
		store:  st,
		sync:   sync,
		logger: logger.Named("reconcile"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	if err := r.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return r, nil
}

func (r *Reconciler) initMetrics() error {
	var err error
	r.driftCounter, err = r.meter.Int64Counter("taskgate.reconcile.drifts",
		metric.WithDescription("External state divergences detected"))
	if err != nil {
		return err
	}
	r.repairCounter, err = r.meter.Int64Counter("taskgate.reconcile.repairs",
		metric.WithDescription("Divergences successfully repaired"))
	return err
}

// Run performs one reconciliation pass. When repair is false the pass
// only reports drift; when true each missing operation is re-issued
// through the sync log.
func (r *Reconciler) Run(ctx context.Context, repair bool) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.run",
		trace.WithAttributes(attribute.Bool("repair", repair)))
	defer span.End()

	tasks, err := r.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	report := &Report{Scanned: len(tasks)}
	for _, t := range tasks {
		drifts, err := r.reconcileTask(ctx, t, repair)
		if err != nil {
			return nil, err
		}
		for _, d := range drifts {
			report.Drifts = append(report.Drifts, d)
			if d.Repaired {
				report.Repaired++
			}
		}
	}

	if r.driftCounter != nil {
		r.driftCounter.Add(ctx, int64(len(report.Drifts)))
	}
	if r.repairCounter != nil {
		r.repairCounter.Add(ctx, int64(report.Repaired))
	}
	r.logger.Info(ctx, "reconciliation pass complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("drifts", len(report.Drifts)),
		zap.Int("repaired", report.Repaired))
	return report, nil
}

// reconcileTask checks one task against its sync records.
func (r *Reconciler) reconcileTask(ctx context.Context, t *task.Task, repair bool) ([]Drift, error) {
	var drifts []Drift
	for _, op := range expectedOperations(t) {
		ok, reason, err := r.satisfied(ctx, t, op)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}

		d := Drift{TaskID: t.ID, Status: t.Status, Operation: op, Reason: reason}
		if repair {
			if rerr := r.repair(ctx, t, op); rerr != nil {
				d.RepairErr = rerr.Error()
			} else {
				d.Repaired = true
			}
		}
		drifts = append(drifts, d)
	}
	return drifts, nil
}

// expectedOperations lists the external effects a task's current status
// implies. A status implies all effects of the statuses it passed
// through, so the set is cumulative.
func expectedOperations(t *task.Task) []task.SyncOperation {
	idx := statusReach(t)
	if idx < 0 {
		return nil
	}

	var ops []task.SyncOperation
	if idx >= statusIndexOf(task.StatusReadyForImplementation) {
		ops = append(ops, task.OpEnsureIssue)
	}
	if idx >= statusIndexOf(task.StatusInProgress) {
		ops = append(ops, task.OpEnsureBranch)
	}
	if idx >= statusIndexOf(task.StatusInReview) {
		ops = append(ops, task.OpOpenChangeRequest)
	}
	if t.Status == task.StatusDone {
		ops = append(ops, task.OpMergeChangeRequest)
	}
	if len(gate.SyncPlan(t.Status, t.IssueRef != "")) > 0 {
		ops = append(ops, task.OpSyncStatus)
	}
	return ops
}

// statusReach is the furthest point in the main sequence the task has
// reached. Blocked tasks are measured by the status they were blocked
// from.
func statusReach(t *task.Task) int {
	s := t.Status
	if s == task.StatusBlocked {
		s = t.BlockedFrom
	}
	return statusIndexOf(s)
}

func statusIndexOf(s task.Status) int {
	for i, v := range task.StatusOrder() {
		if v == s {
			return i
		}
	}
	return -1
}

// satisfied reports whether the sync records already vouch for the
// operation's effect. For reference-creating operations a set reference
// on the task is equally sufficient: the call that set it succeeded.
func (r *Reconciler) satisfied(ctx context.Context, t *task.Task, op task.SyncOperation) (bool, string, error) {
	switch op {
	case task.OpEnsureIssue:
		if t.IssueRef != "" {
			return true, "", nil
		}
	case task.OpEnsureBranch:
		if t.BranchRef != "" {
			return true, "", nil
		}
	case task.OpOpenChangeRequest:
		if t.ChangeRequestRef != "" {
			return true, "", nil
		}
	case task.OpSyncStatus:
		// The latest successful mirror must carry the current target
		// status; an older success means the tracker shows a stale one.
		target, err := task.TrackerStatusFor(t.Status)
		if err != nil {
			return false, "", err
		}
		rec, err := r.store.LatestRecord(ctx, t.ID, op)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, "", err
		}
		if rec != nil && rec.Result == task.SyncSuccess && rec.Detail == string(target) {
			return true, "", nil
		}
		return false, fmt.Sprintf("tracker status not mirrored to %q", target), nil
	}

	ok, err := r.store.HasSuccess(ctx, t.ID, op)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	return false, fmt.Sprintf("no successful %s recorded", op), nil
}

// repair re-issues one operation through the sync log. References
// yielded by the call are persisted the same way the gate controller
// persists them.
func (r *Reconciler) repair(ctx context.Context, t *task.Task, op task.SyncOperation) error {
	r.logger.Info(ctx, "repairing external state",
		zap.String("task_id", t.ID),
		zap.String("operation", string(op)),
		zap.String("status", string(t.Status)))

	switch op {
	case task.OpEnsureIssue:
		ref, err := r.sync.EnsureIssue(ctx, t)
		if err != nil {
			return err
		}
		t.IssueRef = ref
		return r.store.SetRef(ctx, t.ID, store.RefIssue, ref)

	case task.OpEnsureBranch:
		ref, err := r.sync.EnsureBranch(ctx, t)
		if err != nil {
			return err
		}
		t.BranchRef = ref
		return r.store.SetRef(ctx, t.ID, store.RefBranch, ref)

	case task.OpOpenChangeRequest:
		ref, err := r.sync.OpenChangeRequest(ctx, t)
		if err != nil {
			return err
		}
		t.ChangeRequestRef = ref
		return r.store.SetRef(ctx, t.ID, store.RefChangeRequest, ref)

	case task.OpMergeChangeRequest:
		_, err := r.sync.MergeChangeRequest(ctx, t)
		return err

	case task.OpSyncStatus:
		target, err := task.TrackerStatusFor(t.Status)
		if err != nil {
			return err
		}
		return r.sync.SyncStatus(ctx, t, target)
	}
	return fmt.Errorf("unknown operation %q", op)
}
