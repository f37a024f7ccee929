// Package gate implements the task state machine. The Controller is the
// sole writer of a task's status and gates_passed: it walks tasks
// through the ordered gates, consults the sub-agent dispatcher, and
// mirrors every transition into the external systems through the sync
// layer. Gate concurrency is prevented structurally, not with locks:
// a task has at most one open invocation, enforced by the store.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/dispatch"
	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgate/internal/gate"

// Dispatcher routes a gate evaluation to its sub-agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent task.AgentName, tc dispatch.TaskContext) (*dispatch.Result, error)
}

// Syncer mirrors task state into the external systems. Implementations
// must be idempotent upserts: calls may be replayed by reconciliation.
// The sync layer owns appending ExternalSyncRecords and setting the
// task's *_ref fields.
type Syncer interface {
	EnsureBranch(ctx context.Context, t *task.Task) (string, error)
	EnsureIssue(ctx context.Context, t *task.Task) (string, error)
	SyncStatus(ctx context.Context, t *task.Task, target task.TrackerStatus) error
	OpenChangeRequest(ctx context.Context, t *task.Task) (string, error)
	MergeChangeRequest(ctx context.Context, t *task.Task) (string, error)
}

// Config configures the controller.
type Config struct {
	// MaxRevisions is the NeedsRevision limit per gate (default 5).
	MaxRevisions int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxRevisions: 5}
}

// Outcome is the result of driving one gate attempt.
type Outcome struct {
	Task       *task.Task
	Invocation *task.GateInvocation
	Verdict    task.Verdict
	Notes      string
}

// Controller owns the task state machine.
type Controller struct {
	config     *Config
	store      *store.Store
	dispatcher Dispatcher
	syncer     Syncer
	logger     *logging.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	verdictCounter  metric.Int64Counter
	advanceCounter  metric.Int64Counter
	syncFailCounter metric.Int64Counter
}

// NewController creates a gate controller.
func NewController(cfg *Config, st *store.Store, d Dispatcher, sy Syncer, logger *logging.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRevisions <= 0 {
		return nil, fmt.Errorf("max revisions must be > 0, got %d", cfg.MaxRevisions)
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Controller{
		config:     cfg,
		store:      st,
		dispatcher: d,
		syncer:     sy,
		logger:     logger.Named("gate"),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	var err error

	c.verdictCounter, err = c.meter.Int64Counter(
		"taskgate.gate.verdicts_total",
		metric.WithDescription("Total number of gate verdicts recorded"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		c.logger.Underlying().Warn("failed to create verdict counter", zap.Error(err))
	}

	c.advanceCounter, err = c.meter.Int64Counter(
		"taskgate.gate.advances_total",
		metric.WithDescription("Total number of status advances"),
		metric.WithUnit("{advance}"),
	)
	if err != nil {
		c.logger.Underlying().Warn("failed to create advance counter", zap.Error(err))
	}

	c.syncFailCounter, err = c.meter.Int64Counter(
		"taskgate.gate.sync_failures_total",
		metric.WithDescription("Total number of failed external sync calls during transitions"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		c.logger.Underlying().Warn("failed to create sync failure counter", zap.Error(err))
	}
}

// CreateTask creates a task from the spec and finalizes the draft into
// RequirementsReview. The creation transition carries no gate; it is
// recorded in the changelog.
func (c *Controller) CreateTask(ctx context.Context, spec task.Spec) (*task.Task, error) {
	ctx, span := c.tracer.Start(ctx, "gate.CreateTask")
	defer span.End()

	t, err := c.store.Create(ctx, spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx = logging.WithTaskID(ctx, t.ID)

	t.Status = task.StatusRequirementsReview
	if err := c.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("finalize draft: %w", err)
	}
	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   "task created",
		Effect:    fmt.Sprintf("status %s", task.StatusRequirementsReview),
	}
	if err := c.store.AppendChangelog(ctx, t.ID, entry); err != nil {
		return nil, err
	}

	c.logger.Info(ctx, "task created", zap.String("title", t.Title))
	return t, nil
}

// EnterGate validates preconditions, opens a new GateInvocation, and,
// for gates with a sub-agent, dispatches it and records the resulting
// verdict. A dispatch failure is recorded as NeedsRevision with a
// system-authored note, never as approval. Human gates are left with
// the invocation open awaiting ConfirmHumanGate or RecordVerdict.
func (c *Controller) EnterGate(ctx context.Context, taskID string, gateID task.GateID) (*Outcome, error) {
	ctx = logging.WithTaskID(logging.WithGateID(ctx, string(gateID)), taskID)
	ctx, span := c.tracer.Start(ctx, "gate.EnterGate",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("gate.id", string(gateID)),
		))
	defer span.End()

	t, spec, err := c.checkEntry(ctx, taskID, gateID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inv, err := c.openInvocation(ctx, t, spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if spec.Human() {
		c.logger.Info(ctx, "human gate entered, awaiting confirmation")
		return &Outcome{Task: t, Invocation: inv}, nil
	}

	res, derr := c.dispatcher.Dispatch(ctx, spec.Agent, dispatch.Snapshot(t, gateID))
	if derr != nil {
		// Dispatch failure is NeedsRevision, never silent approval.
		note := fmt.Sprintf("system: %v", derr)
		out, rerr := c.RecordVerdict(ctx, taskID, gateID, task.VerdictNeedsRevision, note, "")
		if rerr != nil {
			return nil, rerr
		}
		return out, derr
	}

	notes := res.Notes
	if res.ChangeRequestRef != "" {
		if err := c.store.SetRef(ctx, taskID, store.RefChangeRequest, res.ChangeRequestRef); err != nil {
			return nil, fmt.Errorf("record change request ref: %w", err)
		}
	}
	if res.Text != "" && gateID == task.GateDocumentation {
		notes = res.Text
	}

	return c.RecordVerdict(ctx, taskID, gateID, res.Verdict, notes, "")
}

// ConfirmHumanGate satisfies a human-confirmation gate: functionally a
// RecordVerdict with an implicit Approved, the confirming identity
// recorded in place of an agent. The invocation is opened on demand if
// EnterGate was not called separately.
func (c *Controller) ConfirmHumanGate(ctx context.Context, taskID string, gateID task.GateID, approver string) (*Outcome, error) {
	ctx = logging.WithTaskID(logging.WithGateID(ctx, string(gateID)), taskID)

	spec, err := task.GateByID(gateID)
	if err != nil {
		return nil, err
	}
	if !spec.Human() {
		return nil, fmt.Errorf("gate %s is agent-evaluated, not human-confirmed", gateID)
	}
	if approver == "" {
		return nil, fmt.Errorf("confirming identity is required")
	}

	open, err := c.store.OpenInvocation(ctx, taskID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if open == nil || open.GateID != gateID {
		t, spec, err := c.checkEntry(ctx, taskID, gateID)
		if err != nil {
			return nil, err
		}
		if _, err := c.openInvocation(ctx, t, spec); err != nil {
			return nil, err
		}
	}

	return c.RecordVerdict(ctx, taskID, gateID, task.VerdictApproved, "", approver)
}

// RecordVerdict records the verdict on the task's open invocation for
// the given gate. Approved advances status and triggers the mapped
// external sync calls; NeedsRevision holds the task at the gate's entry
// state and counts toward the stuck threshold; Rejected blocks the task.
func (c *Controller) RecordVerdict(ctx context.Context, taskID string, gateID task.GateID, verdict task.Verdict, notes, confirmedBy string) (*Outcome, error) {
	ctx = logging.WithTaskID(logging.WithGateID(ctx, string(gateID)), taskID)
	ctx, span := c.tracer.Start(ctx, "gate.RecordVerdict",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("gate.id", string(gateID)),
			attribute.String("verdict", string(verdict)),
		))
	defer span.End()

	if !verdict.Valid() {
		return nil, fmt.Errorf("invalid verdict %q", verdict)
	}
	spec, err := task.GateByID(gateID)
	if err != nil {
		return nil, err
	}

	inv, err := c.store.OpenInvocation(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("task %s has no open gate invocation", taskID)
		}
		return nil, err
	}
	if inv.GateID != gateID {
		return nil, fmt.Errorf("open invocation is for gate %s, not %s", inv.GateID, gateID)
	}

	if err := c.store.DecideInvocation(ctx, inv.ID, verdict, notes, confirmedBy); err != nil {
		return nil, err
	}
	inv.Verdict = verdict
	inv.Notes = notes
	if confirmedBy != "" {
		inv.ConfirmedBy = confirmedBy
	}

	if c.verdictCounter != nil {
		c.verdictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate.id", string(gateID)),
			attribute.String("verdict", string(verdict)),
		))
	}

	t, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch verdict {
	case task.VerdictApproved:
		if err := c.advance(ctx, t, spec, confirmedBy); err != nil {
			return nil, err
		}
	case task.VerdictNeedsRevision:
		if err := c.holdForRevision(ctx, t, spec, notes); err != nil {
			return nil, err
		}
	case task.VerdictRejected:
		if err := c.block(ctx, t, fmt.Sprintf("gate %s rejected: %s", gateID, notes), confirmedBy); err != nil {
			return nil, err
		}
	}

	return &Outcome{Task: t, Invocation: inv, Verdict: verdict, Notes: notes}, nil
}

// Block moves an active task to Blocked. It is a safe cancellation
// point: any open invocation is abandoned, but in-flight external calls
// are not chased; reconciliation settles them eventually.
func (c *Controller) Block(ctx context.Context, taskID, reason, by string) (*task.Task, error) {
	ctx = logging.WithTaskID(ctx, taskID)
	ctx, span := c.tracer.Start(ctx, "gate.Block",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	t, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Active() {
		return nil, ErrTaskNotActive
	}

	if open, err := c.store.OpenInvocation(ctx, taskID); err == nil {
		if err := c.store.AbandonInvocation(ctx, open.ID); err != nil {
			return nil, err
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	return t, c.block(ctx, t, reason, by)
}

// Unblock restores a blocked task to the status it was blocked from.
// This is the manual clear required by the Blocked side state.
func (c *Controller) Unblock(ctx context.Context, taskID, by string) (*task.Task, error) {
	ctx = logging.WithTaskID(ctx, taskID)

	t, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusBlocked {
		return nil, fmt.Errorf("task %s is not blocked (status %s)", taskID, t.Status)
	}
	restored := t.BlockedFrom
	if restored == "" || !restored.Valid() {
		return nil, fmt.Errorf("task %s has no recorded pre-block status", taskID)
	}

	t.Status = restored
	t.BlockedFrom = ""
	if err := c.store.Save(ctx, t); err != nil {
		return nil, err
	}
	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   "task unblocked",
		Effect:    fmt.Sprintf("status restored to %s", restored),
		Author:    by,
	}
	if err := c.store.AppendChangelog(ctx, taskID, entry); err != nil {
		return nil, err
	}
	c.syncTransition(ctx, t)
	return t, nil
}

// RecordHandover persists a continuation block so another driver can
// pick the task up, invoking the changelog-writer when it is on the
// roster to author the summary.
func (c *Controller) RecordHandover(ctx context.Context, taskID, summary, by string) (*task.Task, error) {
	ctx = logging.WithTaskID(ctx, taskID)

	t, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if summary == "" && c.dispatcher != nil {
		res, derr := c.dispatcher.Dispatch(ctx, task.AgentChangelogWriter, dispatch.Snapshot(t, ""))
		if derr != nil {
			return nil, fmt.Errorf("changelog-writer dispatch: %w", derr)
		}
		summary = res.Text
	}
	if summary == "" {
		return nil, fmt.Errorf("handover summary is required")
	}

	t.Handover = summary
	if err := c.store.Save(ctx, t); err != nil {
		return nil, err
	}
	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   "handover prepared",
		Author:    by,
	}
	if err := c.store.AppendChangelog(ctx, taskID, entry); err != nil {
		return nil, err
	}
	return t, nil
}

// checkEntry enforces the gate preconditions: the gate must not be
// passed already and the task's status must equal the gate's entry
// state. Strict ordering means no two gates can ever be open at once.
func (c *Controller) checkEntry(ctx context.Context, taskID string, gateID task.GateID) (*task.Task, task.GateSpec, error) {
	spec, err := task.GateByID(gateID)
	if err != nil {
		return nil, task.GateSpec{}, err
	}

	t, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, task.GateSpec{}, err
	}

	if t.GatePassed(gateID) {
		return nil, task.GateSpec{}, fmt.Errorf("%w: %s", ErrGateAlreadyPassed, gateID)
	}
	if !t.Status.Active() {
		return nil, task.GateSpec{}, ErrTaskNotActive
	}
	if t.Status != spec.Entry {
		return nil, task.GateSpec{}, &OutOfOrderGateError{
			TaskID:   taskID,
			GateID:   gateID,
			Expected: spec.Entry,
			Actual:   t.Status,
		}
	}
	return t, spec, nil
}

// openInvocation snapshots the task and creates the invocation. The
// store rejects a second open invocation for the same task.
func (c *Controller) openInvocation(ctx context.Context, t *task.Task, spec task.GateSpec) (*task.GateInvocation, error) {
	snapshot, err := json.Marshal(dispatch.Snapshot(t, spec.ID))
	if err != nil {
		return nil, fmt.Errorf("snapshot task: %w", err)
	}

	inv := &task.GateInvocation{
		TaskID:        t.ID,
		GateID:        spec.ID,
		InvokedAgent:  spec.Agent,
		InputSnapshot: string(snapshot),
	}
	if err := c.store.CreateInvocation(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// advance moves the task past an approved gate: status forward, gate
// appended, changelog written, external systems mirrored. Sync failures
// never roll internal status back.
func (c *Controller) advance(ctx context.Context, t *task.Task, spec task.GateSpec, by string) error {
	t.Status = spec.Next
	t.GatesPassed = append(t.GatesPassed, spec.ID)
	if err := c.store.Save(ctx, t); err != nil {
		return err
	}

	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   fmt.Sprintf("gate %s approved", spec.ID),
		Effect:    fmt.Sprintf("status %s", spec.Next),
		Author:    by,
	}
	if err := c.store.AppendChangelog(ctx, t.ID, entry); err != nil {
		return err
	}

	if c.advanceCounter != nil {
		c.advanceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(spec.Next))))
	}
	c.logger.Info(ctx, "gate approved",
		zap.String("gate", string(spec.ID)),
		zap.String("status", string(spec.Next)))

	c.syncTransition(ctx, t)
	return nil
}

// holdForRevision keeps the task at the gate's entry state and counts
// the revision; past the maximum the gate is stuck and automatic
// progress stops.
func (c *Controller) holdForRevision(ctx context.Context, t *task.Task, spec task.GateSpec, notes string) error {
	if t.Revisions == nil {
		t.Revisions = map[task.GateID]int{}
	}
	t.Revisions[spec.ID]++
	count := t.Revisions[spec.ID]

	if err := c.store.Save(ctx, t); err != nil {
		return err
	}
	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   fmt.Sprintf("gate %s needs revision (%d/%d)", spec.ID, count, c.config.MaxRevisions),
		Effect:    notes,
	}
	if err := c.store.AppendChangelog(ctx, t.ID, entry); err != nil {
		return err
	}

	if count > c.config.MaxRevisions {
		return &StuckGateError{
			TaskID:    t.ID,
			GateID:    spec.ID,
			Revisions: count,
			Max:       c.config.MaxRevisions,
		}
	}
	return nil
}

func (c *Controller) block(ctx context.Context, t *task.Task, reason, by string) error {
	t.BlockedFrom = t.Status
	t.Status = task.StatusBlocked
	if err := c.store.Save(ctx, t); err != nil {
		return err
	}
	entry := task.ChangelogEntry{
		Component: "gate",
		Summary:   "task blocked",
		Effect:    reason,
		Author:    by,
	}
	if err := c.store.AppendChangelog(ctx, t.ID, entry); err != nil {
		return err
	}
	c.logger.Warn(ctx, "task blocked", zap.String("reason", reason))
	c.syncTransition(ctx, t)
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
