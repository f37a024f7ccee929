// Package dispatch invokes named sub-agents with a bounded, read-only
// projection of a task and returns their structured verdicts. It also
// owns the split special case: when the splitter returns child specs,
// the dispatcher creates the child tasks and their issues and rewrites
// the parent's steps to reference them.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgate/internal/dispatch"

// TaskContext is the read-only projection of a task handed to a worker.
// Workers never see the live aggregate, so they cannot bypass the gate
// controller's write path.
type TaskContext struct {
	TaskID           string                `json:"task_id"`
	Title            string                `json:"title"`
	Requirement      string                `json:"requirement"`
	TestPlan         string                `json:"test_plan,omitempty"`
	Status           task.Status           `json:"status"`
	GateID           task.GateID           `json:"gate_id"`
	Steps            []task.Step           `json:"steps,omitempty"`
	Changelog        []task.ChangelogEntry `json:"changelog,omitempty"`
	BranchRef        string                `json:"branch_ref,omitempty"`
	IssueRef         string                `json:"issue_ref,omitempty"`
	ChangeRequestRef string                `json:"change_request_ref,omitempty"`
}

// Snapshot builds the projection from a task for the given gate.
func Snapshot(t *task.Task, gateID task.GateID) TaskContext {
	steps := make([]task.Step, len(t.Steps))
	copy(steps, t.Steps)
	changelog := make([]task.ChangelogEntry, len(t.Changelog))
	copy(changelog, t.Changelog)

	return TaskContext{
		TaskID:           t.ID,
		Title:            t.Title,
		Requirement:      t.Requirement,
		TestPlan:         t.TestPlan,
		Status:           t.Status,
		GateID:           gateID,
		Steps:            steps,
		Changelog:        changelog,
		BranchRef:        t.BranchRef,
		IssueRef:         t.IssueRef,
		ChangeRequestRef: t.ChangeRequestRef,
	}
}

// Result is the typed artifact bag a worker returns alongside its
// verdict. Which fields are populated depends on the agent: the
// splitter fills ChildSpecs, the pr-creator fills ChangeRequestRef,
// doc-updater and changelog-writer fill Text.
type Result struct {
	Verdict          task.Verdict `json:"verdict"`
	Notes            string       `json:"notes,omitempty"`
	ChildSpecs       []task.Spec  `json:"child_specs,omitempty"`
	ChangeRequestRef string       `json:"change_request_ref,omitempty"`
	Text             string       `json:"text,omitempty"`
}

// Worker is one sub-agent on the roster. Execute evaluates the bounded
// context and returns a structured result; any internal failure is
// returned as an error, never a panic.
type Worker interface {
	Name() task.AgentName
	Execute(ctx context.Context, tc TaskContext) (*Result, error)
}

// IssueEnsurer creates the tracker issue for a child task. Satisfied by
// the issue tracker adapter.
type IssueEnsurer interface {
	EnsureIssue(ctx context.Context, t *task.Task) (string, error)
}

// Error is a failed dispatch: timeout, transport error, or the agent's
// own internal error, surfaced uniformly. The gate controller treats
// any dispatch error as NeedsRevision with a system-authored note.
type Error struct {
	Agent    task.AgentName
	TimedOut bool
	Err      error
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("dispatch to %s timed out", e.Agent)
	}
	return fmt.Sprintf("dispatch to %s failed: %v", e.Agent, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher routes gate evaluations to registered workers.
type Dispatcher struct {
	workers map[task.AgentName]Worker
	store   *store.Store
	tracker IssueEnsurer
	timeout time.Duration
	logger  *logging.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	dispatchCounter metric.Int64Counter
	splitCounter    metric.Int64Counter
}

// New creates a dispatcher. The timeout bounds every Dispatch call;
// there is no automatic retry beyond it; retries are the operator's
// responsibility via re-entering the gate.
func New(st *store.Store, tracker IssueEnsurer, timeout time.Duration, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		workers: make(map[task.AgentName]Worker),
		store:   st,
		tracker: tracker,
		timeout: timeout,
		logger:  logger.Named("dispatch"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	var err error

	d.dispatchCounter, err = d.meter.Int64Counter(
		"taskgate.dispatch.calls_total",
		metric.WithDescription("Total number of sub-agent dispatches"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		d.logger.Underlying().Warn("failed to create dispatch counter", zap.Error(err))
	}

	d.splitCounter, err = d.meter.Int64Counter(
		"taskgate.dispatch.splits_total",
		metric.WithDescription("Total number of task splits applied"),
		metric.WithUnit("{split}"),
	)
	if err != nil {
		d.logger.Underlying().Warn("failed to create split counter", zap.Error(err))
	}
}

// Register adds a worker to the roster, replacing any worker with the
// same name.
func (d *Dispatcher) Register(w Worker) {
	d.workers[w.Name()] = w
}

// Dispatch invokes the named worker with the projection and returns its
// result. Timeout, transport failure, worker error, and worker panic
// are all surfaced as *Error. A splitter result with child specs is
// applied to the store before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, agent task.AgentName, tc TaskContext) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(
			attribute.String("agent", string(agent)),
			attribute.String("task.id", tc.TaskID),
			attribute.String("gate.id", string(tc.GateID)),
		))
	defer span.End()

	if d.dispatchCounter != nil {
		d.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", string(agent))))
	}

	w, ok := d.workers[agent]
	if !ok {
		return nil, &Error{Agent: agent, Err: fmt.Errorf("no worker registered")}
	}

	res, err := d.run(ctx, w, tc)
	if err != nil {
		d.logger.Warn(ctx, "sub-agent dispatch failed",
			zap.String("agent", string(agent)),
			zap.String("task_id", tc.TaskID),
			zap.Error(err))
		return nil, err
	}
	if res == nil || !res.Verdict.Valid() {
		return nil, &Error{Agent: agent, Err: fmt.Errorf("worker returned no usable verdict")}
	}

	if agent == task.AgentSplitter && len(res.ChildSpecs) > 0 {
		if err := d.applySplit(ctx, tc.TaskID, res.ChildSpecs); err != nil {
			return nil, &Error{Agent: agent, Err: fmt.Errorf("apply split: %w", err)}
		}
		if d.splitCounter != nil {
			d.splitCounter.Add(ctx, 1)
		}
	}

	return res, nil
}

// run executes the worker under the dispatch timeout, converting every
// failure mode into *Error.
func (d *Dispatcher) run(ctx context.Context, w Worker, tc TaskContext) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		res, err := w.Execute(ctx, tc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Error{Agent: w.Name(), TimedOut: true, Err: ctx.Err()}
	case o := <-done:
		if o.err != nil {
			return nil, &Error{Agent: w.Name(), Err: o.err}
		}
		return o.res, nil
	}
}

// applySplit creates one child task per spec, ensures a tracker issue
// for each, and rewrites the parent's pending steps to reference the
// children. The parent's steps are never deleted.
func (d *Dispatcher) applySplit(ctx context.Context, parentID string, specs []task.Spec) error {
	if len(specs) < 2 {
		return fmt.Errorf("split requires at least 2 child specs, got %d", len(specs))
	}
	if d.tracker == nil {
		return fmt.Errorf("cannot split: issue tracker is not configured")
	}

	parent, err := d.store.Load(ctx, parentID)
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}

	refs := make([]task.SplitReference, 0, len(specs))
	for _, spec := range specs {
		spec.ParentID = parentID
		child, err := d.store.Create(ctx, spec)
		if err != nil {
			return fmt.Errorf("create child task: %w", err)
		}

		issueRef, err := d.tracker.EnsureIssue(ctx, child)
		if err != nil {
			return fmt.Errorf("ensure issue for child %s: %w", child.ID, err)
		}
		if err := d.store.SetRef(ctx, child.ID, store.RefIssue, issueRef); err != nil {
			return fmt.Errorf("set child issue ref: %w", err)
		}

		refs = append(refs, task.SplitReference{ChildTaskID: child.ID, IssueRef: issueRef})
		d.logger.Info(ctx, "created child task from split",
			zap.String("parent_id", parentID),
			zap.String("child_id", child.ID),
			zap.String("issue_ref", issueRef))
	}

	// Rewrite remaining steps against the children, one reference per
	// step. Children beyond the pending-step count get appended split
	// steps so every child stays traceable from the parent; extra
	// pending steps wrap around.
	childIdx := 0
	for i := range parent.Steps {
		if parent.Steps[i].CompletionState == task.StepDone {
			continue
		}
		ref := refs[childIdx%len(refs)]
		parent.Steps[i].CompletionState = task.StepSplit
		parent.Steps[i].SplitRef = &ref
		childIdx++
	}
	for ; childIdx < len(refs); childIdx++ {
		ref := refs[childIdx]
		parent.Steps = append(parent.Steps, task.Step{
			Description:     fmt.Sprintf("split to child task %s", ref.ChildTaskID),
			CompletionState: task.StepSplit,
			SplitRef:        &ref,
		})
	}

	if err := d.store.Save(ctx, parent); err != nil {
		return fmt.Errorf("save parent after split: %w", err)
	}

	entry := task.ChangelogEntry{
		Component: "dispatch",
		Summary:   fmt.Sprintf("task split into %d child tasks", len(refs)),
		Effect:    "remaining steps rewritten to split references",
	}
	if err := d.store.AppendChangelog(ctx, parentID, entry); err != nil {
		return fmt.Errorf("append split changelog: %w", err)
	}
	return nil
}
