// Package branch fans independent workflows out across isolated
// workspace partitions and joins their terminal results. Partial success
// is a first-class outcome: the join always yields one record per
// branch, never a collapsed verdict.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stagehand/stagehand/pkg/models"
)

// DefaultMaxParallel bounds simultaneous branches when the caller does
// not.
const DefaultMaxParallel = 3

var (
	ErrNoBranches     = errors.New("no branches to run")
	ErrDuplicateName  = errors.New("duplicate branch name")
	ErrBadBranchName  = errors.New("branch name must not contain path separators")
	ErrMissingSpec    = errors.New("branch has no workflow spec")
)

// Runner is the engine surface the coordinator drives branches through.
type Runner interface {
	Submit(ctx context.Context, spec *models.WorkflowSpec, workspace string) (*models.WorkflowInstance, error)
	Run(ctx context.Context, instance *models.WorkflowInstance) error
}

// Coordinator runs a set of branches concurrently with bounded
// parallelism. One branch failing terminally never touches its siblings;
// they run to their own verdicts.
type Coordinator struct {
	runner      Runner
	maxParallel int
	logger      *slog.Logger
}

func NewCoordinator(runner Runner, maxParallel int, logger *slog.Logger) *Coordinator {
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallel
	}

	return &Coordinator{
		runner:      runner,
		maxParallel: maxParallel,
		logger:      logger.With("module", "branch"),
	}
}

// Run executes every branch and joins. Each branch gets its own
// workspace partition under root, named after the branch. The returned
// slice has one result per branch in input order and is complete only
// once every branch reached a terminal state; the error covers input
// validation, never branch outcomes.
func (c *Coordinator) Run(ctx context.Context, root string, branches []models.BranchSpec) ([]models.BranchResult, error) {
	if err := validateBranches(branches); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "starting branch fan-out",
		"branches", len(branches),
		"max_parallel", c.maxParallel,
		"root", root)

	results := make([]models.BranchResult, len(branches))
	sem := make(chan struct{}, c.maxParallel)

	var wg sync.WaitGroup

	for i := range branches {
		wg.Add(1)

		go func(idx int, branch models.BranchSpec) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.BranchResult{Branch: branch.Name, Error: ctx.Err().Error()}

				return
			}

			results[idx] = c.runBranch(ctx, root, branch)
		}(i, branches[i])
	}

	wg.Wait()

	completed := 0

	for i := range results {
		if results[i].Succeeded() {
			completed++
		}
	}

	c.logger.InfoContext(ctx, "branch fan-out joined",
		"branches", len(branches),
		"completed", completed)

	return results, nil
}

// runBranch drives one branch to a terminal state and records its
// verdict. Errors stay inside the result; siblings never see them.
func (c *Coordinator) runBranch(ctx context.Context, root string, branch models.BranchSpec) models.BranchResult {
	result := models.BranchResult{Branch: branch.Name}
	workspace := filepath.Join(root, branch.Name)

	logger := c.logger.With("branch", branch.Name)
	logger.InfoContext(ctx, "branch starting", "workspace", workspace)

	instance, err := c.runner.Submit(ctx, branch.Spec, workspace)
	if err != nil {
		logger.ErrorContext(ctx, "branch submission failed", "error", err)
		result.Error = err.Error()

		return result
	}

	instance.Branch = branch.Name
	result.InstanceID = instance.ID

	runErr := c.runner.Run(ctx, instance)

	result.Status = instance.Status
	result.Usage = instance.Usage

	switch {
	case runErr != nil:
		result.Error = runErr.Error()
	case instance.LastError != nil:
		result.Error = instance.LastError.Message
	}

	logger.InfoContext(ctx, "branch finished",
		"status", result.Status,
		"tokens_used", result.Usage.TokensUsed)

	return result
}

func validateBranches(branches []models.BranchSpec) error {
	if len(branches) == 0 {
		return ErrNoBranches
	}

	seen := make(map[string]struct{}, len(branches))

	for i := range branches {
		name := branches[i].Name

		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("%w: %q", ErrBadBranchName, name)
		}

		if branches[i].Spec == nil {
			return fmt.Errorf("%w: %q", ErrMissingSpec, name)
		}

		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}

		seen[name] = struct{}{}
	}

	return nil
}
