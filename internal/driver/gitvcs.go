package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fl-sean03/agentgate/internal/model"
)

// GitVCS is the reference Snapshotter/VCS implementation backed by
// go-git, grounded on the teacher's fellow-pack usage in
// fyrsmithlabs-contextd's pkg/checkpoint/branch.go (git.PlainOpen +
// repo.Head() branch detection), generalized here to a full
// before/after-state capture with commit and diff-stat extraction.
type GitVCS struct {
	// CommitAuthorName/Email stamp the commit AgentGate makes after an
	// agent iteration, when the workspace has uncommitted changes.
	CommitAuthorName  string
	CommitAuthorEmail string
}

// CaptureBeforeState implements VCS.
func (g *GitVCS) CaptureBeforeState(ctx context.Context, workspacePath string) (model.BeforeState, error) {
	repo, err := git.PlainOpen(workspacePath)
	if err != nil {
		return model.BeforeState{}, fmt.Errorf("gitvcs: open %s: %w", workspacePath, err)
	}

	head, err := repo.Head()
	if err != nil {
		return model.BeforeState{}, fmt.Errorf("gitvcs: head: %w", err)
	}

	branch := ""
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return model.BeforeState{}, fmt.Errorf("gitvcs: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return model.BeforeState{}, fmt.Errorf("gitvcs: status: %w", err)
	}

	return model.BeforeState{
		SHA:    head.Hash().String(),
		Branch: branch,
		Dirty:  !status.IsClean(),
	}, nil
}

// Capture implements VCS: it commits any changes the agent made (if the
// workspace is dirty) and computes file/insertion/deletion counts
// relative to before.SHA.
func (g *GitVCS) Capture(ctx context.Context, workspacePath string, before model.BeforeState, workOrderID string, iteration int) (*model.Snapshot, error) {
	repo, err := git.PlainOpen(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("gitvcs: open %s: %w", workspacePath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("gitvcs: worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("gitvcs: status: %w", err)
	}

	afterSHA := before.SHA
	if !status.IsClean() {
		if _, err := wt.Add("."); err != nil {
			return nil, fmt.Errorf("gitvcs: add: %w", err)
		}
		msg := fmt.Sprintf("agentgate: iteration %d for work order %s", iteration, workOrderID)
		sig := &object.Signature{
			Name:  authorOr(g.CommitAuthorName, "AgentGate"),
			Email: authorOr(g.CommitAuthorEmail, "agentgate@localhost"),
			When:  time.Now(),
		}
		hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig})
		if err != nil {
			return nil, fmt.Errorf("gitvcs: commit: %w", err)
		}
		afterSHA = hash.String()
	}

	filesChanged, insertions, deletions := diffStats(repo, before.SHA, afterSHA)

	return &model.Snapshot{
		ID:           fmt.Sprintf("%s-%d", workOrderID, iteration),
		WorkOrderID:  workOrderID,
		Iteration:    iteration,
		BeforeSHA:    before.SHA,
		AfterSHA:     afterSHA,
		Branch:       before.Branch,
		FilesChanged: filesChanged,
		Insertions:   insertions,
		Deletions:    deletions,
		CreatedAt:    time.Now(),
	}, nil
}

func authorOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// diffStats computes file/insertion/deletion counts between two commits.
// Errors are swallowed to zero since a snapshot still has value without
// stats; the phase orchestrator does not fail on a stats miss.
func diffStats(repo *git.Repository, beforeSHA, afterSHA string) (files, insertions, deletions int) {
	if beforeSHA == "" || beforeSHA == afterSHA {
		return 0, 0, 0
	}

	beforeCommit, err := repo.CommitObject(plumbing.NewHash(beforeSHA))
	if err != nil {
		return 0, 0, 0
	}
	afterCommit, err := repo.CommitObject(plumbing.NewHash(afterSHA))
	if err != nil {
		return 0, 0, 0
	}

	beforeTree, err := beforeCommit.Tree()
	if err != nil {
		return 0, 0, 0
	}
	afterTree, err := afterCommit.Tree()
	if err != nil {
		return 0, 0, 0
	}

	changes, err := beforeTree.Diff(afterTree)
	if err != nil {
		return 0, 0, 0
	}

	patch, err := changes.Patch()
	if err != nil {
		return len(changes), 0, 0
	}

	for _, stat := range patch.Stats() {
		insertions += stat.Addition
		deletions += stat.Deletion
	}
	return len(changes), insertions, deletions
}
