package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/models"
)

const (
	commitAuthorName  = "stagehand"
	commitAuthorEmail = "engine@stagehand.dev"
)

// GitManager implements Manager on top of a git repository per
// workspace. A checkpoint is a commit of everything in the worktree; a
// restore is a hard reset to that commit. Invalidation falls out of git
// reachability: once HEAD is reset to an older snapshot, later snapshot
// commits are no longer ancestors of HEAD and refuse to restore.
type GitManager struct {
	logger *slog.Logger
}

func NewGitManager(logger *slog.Logger) *GitManager {
	return &GitManager{logger: logger.With("module", "snapshot")}
}

// open returns the workspace repository, initializing one for
// workspaces that are not repositories yet. Branch-partitioned
// workspaces start empty, so init-on-open keeps them self-contained.
func (m *GitManager) open(workspace string) (*git.Repository, error) {
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceMissing, workspace)
	}

	repo, err := git.PlainOpen(workspace)
	if err == nil {
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	repo, err = git.PlainInit(workspace, false)
	if err != nil {
		return nil, fmt.Errorf("initializing repository: %w", err)
	}

	m.logger.Info("initialized workspace repository", "workspace", workspace)

	return repo, nil
}

func (m *GitManager) Create(ctx context.Context, workspace string, stageIndex int, stageName string) (models.SnapshotRef, error) {
	if err := ctx.Err(); err != nil {
		return models.SnapshotRef{}, err
	}

	repo, err := m.open(workspace)
	if err != nil {
		return models.SnapshotRef{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return models.SnapshotRef{}, fmt.Errorf("opening worktree: %w", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return models.SnapshotRef{}, fmt.Errorf("staging changes: %w", err)
	}

	label := uuid.New().String()
	now := time.Now().UTC()

	// AllowEmptyCommits keeps Create side-effect-safe when there is
	// nothing pending: the ref must be valid regardless.
	hash, err := worktree.Commit(fmt.Sprintf("Snapshot: %s (stage %s)", label, stageName), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  now,
		},
	})
	if err != nil {
		return models.SnapshotRef{}, fmt.Errorf("committing snapshot: %w", err)
	}

	ref := models.SnapshotRef{
		ID:         hash.String(),
		StageIndex: stageIndex,
		StageName:  stageName,
		Branch:     m.Branch(workspace),
		CreatedAt:  now,
	}

	m.logger.Info("snapshot created",
		"workspace", workspace, "snapshot_id", ref.ID, "stage_name", stageName,
		"branch", ref.Branch)

	return ref, nil
}

func (m *GitManager) Restore(ctx context.Context, workspace string, ref models.SnapshotRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := m.open(workspace)
	if err != nil {
		return err
	}

	hash := plumbing.NewHash(ref.ID)

	commit, err := repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref.ID)
		}

		return fmt.Errorf("resolving snapshot commit: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}

	if head.Hash() != hash {
		headCommit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return fmt.Errorf("resolving HEAD commit: %w", err)
		}

		reachable, err := commit.IsAncestor(headCommit)
		if err != nil {
			return fmt.Errorf("checking snapshot ancestry: %w", err)
		}

		if !reachable {
			return fmt.Errorf("%w: %s", ErrSnapshotInvalidated, ref.ID)
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting to snapshot: %w", err)
	}

	m.logger.Info("snapshot restored", "workspace", workspace, "snapshot_id", ref.ID)

	return nil
}

func (m *GitManager) Changes(ctx context.Context, workspace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := m.open(workspace)
	if err != nil {
		return nil, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	var files []string

	for path, fileStatus := range status {
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}

		files = append(files, path)
	}

	sort.Strings(files)

	return files, nil
}

// Branch reports the workspace's current branch name, or empty when the
// workspace has no repository or is detached.
func (m *GitManager) Branch(workspace string) string {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return ""
	}

	head, err := repo.Head()
	if err != nil {
		return ""
	}

	if !head.Name().IsBranch() {
		return ""
	}

	return head.Name().Short()
}
