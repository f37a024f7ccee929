package vcs

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// LocalRepo wraps the local clone used to resolve base revisions and
// inspect the worktree without a network round-trip.
type LocalRepo struct {
	repo *git.Repository
}

// OpenLocal opens the repository at path. Returns nil without error
// when the path is not a git repository; callers fall back to remote
// resolution.
func OpenLocal(path string) (*LocalRepo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, nil
		}
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &LocalRepo{repo: repo}, nil
}

// BranchHead resolves the head commit of a local branch.
func (l *LocalRepo) BranchHead(branch string) (string, error) {
	ref, err := l.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the checked-out branch name, or empty for a
// detached HEAD.
func (l *LocalRepo) CurrentBranch() (string, error) {
	head, err := l.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// WorktreeClean reports whether the worktree has no uncommitted
// changes. Used to warn the operator before handover.
func (l *LocalRepo) WorktreeClean() (bool, error) {
	wt, err := l.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	return status.IsClean(), nil
}
