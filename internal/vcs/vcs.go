// Package vcs mirrors task state into the version-control system:
// branch creation, change requests, and merges. Idempotency is
// remote-authoritative: existence is checked by querying the remote,
// never trusted from local state, so the adapter tolerates process
// restarts and replayed calls.
package vcs

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

// Adapter is the version-control adapter backed by the GitHub refs and
// pull request APIs, with a local clone used to resolve base revisions.
type Adapter struct {
	client     *github.Client
	owner      string
	repo       string
	baseBranch string
	local      *LocalRepo
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// New creates a version-control adapter. local may be nil when no
// clone is available; base revisions are then resolved remotely.
func New(client *github.Client, owner, repo, baseBranch string, local *LocalRepo, rps float64, logger *logging.Logger) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("github client is required")
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	if rps <= 0 {
		rps = 5
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		client:     client,
		owner:      owner,
		repo:       repo,
		baseBranch: baseBranch,
		local:      local,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger.Named("vcs"),
	}, nil
}

// EnsureBranch returns the task's branch reference, creating the branch
// from the base branch at most once. Calling it twice yields the same
// ref and at most one underlying create call.
func (a *Adapter) EnsureBranch(ctx context.Context, t *task.Task) (string, error) {
	name := t.BranchRef
	if name == "" {
		name = BranchName(t)
	}

	// Query the remote first: the branch may exist from a prior partial
	// failure even when branch_ref was never persisted.
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ref, resp, err := a.client.Git.GetRef(ctx, a.owner, a.repo, "refs/heads/"+name)
	if err == nil && ref != nil {
		return name, nil
	}
	if resp == nil || resp.StatusCode != 404 {
		return "", fmt.Errorf("query branch %s: %w", name, err)
	}

	baseSHA, err := a.resolveBaseSHA(ctx)
	if err != nil {
		return "", err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	_, _, err = a.client.Git.CreateRef(ctx, a.owner, a.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(baseSHA)},
	})
	if err != nil {
		return "", fmt.Errorf("create branch %s: %w", name, err)
	}

	a.logger.Info(ctx, "branch created",
		zap.String("task_id", t.ID),
		zap.String("branch", name),
		zap.String("base_sha", baseSHA))
	return name, nil
}

// OpenChangeRequest opens the pull request for the task's branch, or
// returns the existing one. An already-set ref is verified remotely.
func (a *Adapter) OpenChangeRequest(ctx context.Context, t *task.Task) (string, error) {
	if t.ChangeRequestRef != "" {
		num, err := parseCRRef(t.ChangeRequestRef)
		if err != nil {
			return "", err
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
		if _, _, err := a.client.PullRequests.Get(ctx, a.owner, a.repo, num); err != nil {
			return "", fmt.Errorf("verify change request %s: %w", t.ChangeRequestRef, err)
		}
		return t.ChangeRequestRef, nil
	}
	if t.BranchRef == "" {
		return "", fmt.Errorf("task %s has no branch to open a change request from", t.ID)
	}

	// A prior attempt may have opened the PR without persisting the ref.
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	existing, _, err := a.client.PullRequests.List(ctx, a.owner, a.repo, &github.PullRequestListOptions{
		Head:  a.owner + ":" + t.BranchRef,
		State: "all",
	})
	if err != nil {
		return "", fmt.Errorf("search for existing change request: %w", err)
	}
	if len(existing) > 0 {
		return strconv.Itoa(existing[0].GetNumber()), nil
	}

	body := t.Requirement
	if t.IssueRef != "" {
		body = fmt.Sprintf("%s\n\nCloses #%s", body, strings.TrimPrefix(t.IssueRef, "#"))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	pr, _, err := a.client.PullRequests.Create(ctx, a.owner, a.repo, &github.NewPullRequest{
		Title: github.String(t.Title),
		Head:  github.String(t.BranchRef),
		Base:  github.String(a.baseBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("open change request: %w", err)
	}

	ref := strconv.Itoa(pr.GetNumber())
	a.logger.Info(ctx, "change request opened",
		zap.String("task_id", t.ID),
		zap.String("change_request_ref", ref))
	return ref, nil
}

// MergeChangeRequest merges the task's change request and returns the
// merge commit id. An already-merged request is a no-op returning the
// existing merge commit.
func (a *Adapter) MergeChangeRequest(ctx context.Context, t *task.Task) (string, error) {
	if t.ChangeRequestRef == "" {
		return "", fmt.Errorf("task %s has no change request to merge", t.ID)
	}
	num, err := parseCRRef(t.ChangeRequestRef)
	if err != nil {
		return "", err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	pr, _, err := a.client.PullRequests.Get(ctx, a.owner, a.repo, num)
	if err != nil {
		return "", fmt.Errorf("get change request %s: %w", t.ChangeRequestRef, err)
	}
	if pr.GetMerged() {
		return pr.GetMergeCommitSHA(), nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	res, _, err := a.client.PullRequests.Merge(ctx, a.owner, a.repo, num, "", &github.PullRequestOptions{})
	if err != nil {
		return "", fmt.Errorf("merge change request %s: %w", t.ChangeRequestRef, err)
	}

	a.logger.Info(ctx, "change request merged",
		zap.String("task_id", t.ID),
		zap.String("merge_commit", res.GetSHA()))
	return res.GetSHA(), nil
}

// resolveBaseSHA resolves the base branch head, preferring the local
// clone and falling back to the remote.
func (a *Adapter) resolveBaseSHA(ctx context.Context) (string, error) {
	if a.local != nil {
		if sha, err := a.local.BranchHead(a.baseBranch); err == nil && sha != "" {
			return sha, nil
		}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ref, _, err := a.client.Git.GetRef(ctx, a.owner, a.repo, "refs/heads/"+a.baseBranch)
	if err != nil {
		return "", fmt.Errorf("resolve base branch %s: %w", a.baseBranch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// BranchName derives the canonical branch name for a task.
func BranchName(t *task.Task) string {
	short := t.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return "task/" + short + "-" + slugify(t.Title)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	if out == "" {
		out = "task"
	}
	return out
}

func parseCRRef(ref string) (int, error) {
	num, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if err != nil {
		return 0, fmt.Errorf("malformed change request ref %q: %w", ref, err)
	}
	return num, nil
}
