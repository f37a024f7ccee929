// Package tracker mirrors task status into the issue tracker. All
// operations are idempotent upserts against remote state: existence is
// checked by querying the tracker, not local state, so calls survive
// process restarts and out-of-order replay by reconciliation.
package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// markerLabelPrefix tags every issue with its owning task so lookups
// survive a lost issue_ref.
const markerLabelPrefix = "taskgate:"

// statusLabelPrefix carries the tracker status vocabulary on the issue.
const statusLabelPrefix = "status: "

// Adapter is the issue tracker adapter backed by GitHub issues.
type Adapter struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// New creates an issue tracker adapter.
func New(client *github.Client, owner, repo string, rps float64, logger *logging.Logger) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("github client is required")
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if rps <= 0 {
		rps = 5
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		client:  client,
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.Named("tracker"),
	}, nil
}

// EnsureIssue returns the task's issue reference, creating the issue at
// most once. An already-set ref is verified against the remote; with no
// ref, the marker label is searched before creating.
func (a *Adapter) EnsureIssue(ctx context.Context, t *task.Task) (string, error) {
	if t.IssueRef != "" {
		num, err := parseIssueRef(t.IssueRef)
		if err != nil {
			return "", err
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
		if _, _, err := a.client.Issues.Get(ctx, a.owner, a.repo, num); err != nil {
			return "", fmt.Errorf("verify issue %s: %w", t.IssueRef, err)
		}
		return t.IssueRef, nil
	}

	// The ref may have been lost before it was persisted: search by
	// marker label before creating.
	marker := markerLabelPrefix + t.ID
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	existing, _, err := a.client.Issues.ListByRepo(ctx, a.owner, a.repo, &github.IssueListByRepoOptions{
		Labels: []string{marker},
		State:  "all",
	})
	if err != nil {
		return "", fmt.Errorf("search for existing issue: %w", err)
	}
	if len(existing) > 0 {
		return strconv.Itoa(existing[0].GetNumber()), nil
	}

	target, err := task.TrackerStatusFor(t.Status)
	if err != nil {
		return "", err
	}
	req := &github.IssueRequest{
		Title:  github.String(t.Title),
		Body:   github.String(t.Requirement),
		Labels: &[]string{marker, statusLabelPrefix + string(target)},
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	issue, _, err := a.client.Issues.Create(ctx, a.owner, a.repo, req)
	if err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}

	ref := strconv.Itoa(issue.GetNumber())
	a.logger.Info(ctx, "issue created",
		zap.String("task_id", t.ID),
		zap.String("issue_ref", ref))
	return ref, nil
}

// SyncStatus sets the issue's status label to the target vocabulary
// value. It is an idempotent upsert, not a delta: when the issue
// already reports the target status the call is skipped, tolerating
// partial prior failures and replay.
func (a *Adapter) SyncStatus(ctx context.Context, t *task.Task, target task.TrackerStatus) error {
	if t.IssueRef == "" {
		return fmt.Errorf("task %s has no issue to sync", t.ID)
	}
	num, err := parseIssueRef(t.IssueRef)
	if err != nil {
		return err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	issue, _, err := a.client.Issues.Get(ctx, a.owner, a.repo, num)
	if err != nil {
		return fmt.Errorf("get issue %s: %w", t.IssueRef, err)
	}

	wantLabel := statusLabelPrefix + string(target)
	wantState := "open"
	if target == task.TrackerDone {
		wantState = "closed"
	}

	labels := make([]string, 0, len(issue.Labels)+1)
	haveLabel := false
	for _, l := range issue.Labels {
		name := l.GetName()
		if strings.HasPrefix(name, statusLabelPrefix) {
			if name == wantLabel {
				haveLabel = true
				labels = append(labels, name)
			}
			continue
		}
		labels = append(labels, name)
	}
	if haveLabel && issue.GetState() == wantState {
		return nil
	}
	if !haveLabel {
		labels = append(labels, wantLabel)
	}

	req := &github.IssueRequest{
		Labels: &labels,
		State:  github.String(wantState),
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, _, err := a.client.Issues.Edit(ctx, a.owner, a.repo, num, req); err != nil {
		return fmt.Errorf("sync issue %s to %q: %w", t.IssueRef, target, err)
	}

	a.logger.Info(ctx, "issue status synced",
		zap.String("task_id", t.ID),
		zap.String("issue_ref", t.IssueRef),
		zap.String("status", string(target)))
	return nil
}

// PostComment adds a comment to the task's issue. Duplicate comments
// from replay are acceptable; lost status mirroring is not.
func (a *Adapter) PostComment(ctx context.Context, t *task.Task, body string) error {
	if t.IssueRef == "" {
		return fmt.Errorf("task %s has no issue to comment on", t.ID)
	}
	num, err := parseIssueRef(t.IssueRef)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err = a.client.Issues.CreateComment(ctx, a.owner, a.repo, num, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("post comment on issue %s: %w", t.IssueRef, err)
	}
	return nil
}

func parseIssueRef(ref string) (int, error) {
	num, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if err != nil {
		return 0, fmt.Errorf("malformed issue ref %q: %w", ref, err)
	}
	return num, nil
}
