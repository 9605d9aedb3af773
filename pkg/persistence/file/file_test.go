package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
	"github.com/stagehand/stagehand/pkg/persistence/file"
)

func newPersistence(t *testing.T) (persistence.Persistence, string) {
	t.Helper()

	root := t.TempDir()

	return file.NewPersistence(root), root
}

func testInstance(id string, status models.InstanceStatus) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:     id,
		SpecID: "spec-1",
		Spec: &models.WorkflowSpec{
			ID:   "spec-1",
			Name: "test workflow",
			Stages: []models.StageSpec{
				{Name: "scaffold", PromptTemplate: "scaffold the project"},
				{Name: "core", PromptTemplate: "implement the core", CriticalPath: true},
			},
		},
		Status:    status,
		Workspace: "/tmp/ws",
	}
}

func TestInstanceRepository_SaveAndByID(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	instance := testInstance("wrapper-dev-1", models.InstanceStatusRunning)
	instance.CurrentStageIndex = 1
	instance.Snapshots = []models.SnapshotRef{{ID: "abc123", StageIndex: 1, StageName: "core", CreatedAt: time.Now().UTC()}}
	instance.History = []models.StageRecord{{
		StageName: "scaffold",
		Success:   true,
		Attempts:  1,
		Usage:     models.StageUsage{Tokens: 900, CostUSD: 0.01},
		Verification: models.VerificationResult{
			Status: models.VerificationPassed, TotalChecks: 4, PassedChecks: 4,
		},
	}}
	instance.Usage = models.UsageTotals{TokensUsed: 900, CostUSD: 0.01, StagesCompleted: 1, VerificationsPassed: 1}

	require.NoError(t, p.Instances().Save(ctx, instance))
	assert.False(t, instance.CreatedAt.IsZero())
	assert.False(t, instance.UpdatedAt.IsZero())

	loaded, err := p.Instances().ByID(ctx, "wrapper-dev-1")
	require.NoError(t, err)

	assert.Equal(t, instance.ID, loaded.ID)
	assert.Equal(t, models.InstanceStatusRunning, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentStageIndex)
	require.NotNil(t, loaded.Spec)
	assert.Len(t, loaded.Spec.Stages, 2)
	require.Len(t, loaded.Snapshots, 1)
	assert.Equal(t, "abc123", loaded.Snapshots[0].ID)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "scaffold", loaded.History[0].StageName)
	assert.Equal(t, 900, loaded.Usage.TokensUsed)
}

func TestInstanceRepository_ByIDNotFound(t *testing.T) {
	p, _ := newPersistence(t)

	_, err := p.Instances().ByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func TestInstanceRepository_CorruptRecord(t *testing.T) {
	p, root := newPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Instances().Save(ctx, testInstance("wrapper-dev-1", models.InstanceStatusRunning)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "instances", "wrapper-dev-1.json"), []byte("{broken"), 0o600))

	_, err := p.Instances().ByID(ctx, "wrapper-dev-1")
	require.Error(t, err)
	assert.True(t, persistence.IsInvalidData(err))
}

func TestInstanceRepository_List(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Instances().Save(ctx, testInstance("a-1", models.InstanceStatusRunning)))
	require.NoError(t, p.Instances().Save(ctx, testInstance("b-2", models.InstanceStatusCompleted)))
	require.NoError(t, p.Instances().Save(ctx, testInstance("c-3", models.InstanceStatusRunning)))

	running := models.InstanceStatusRunning

	result, err := p.Instances().List(ctx, persistence.ListOptions{Status: &running})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)
	assert.Len(t, result.Instances, 2)
	assert.False(t, result.HasNextPage)

	for _, instance := range result.Instances {
		assert.Equal(t, models.InstanceStatusRunning, instance.Status)
	}
}

func TestInstanceRepository_ListPagination(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, p.Instances().Save(ctx, testInstance(id, models.InstanceStatusCompleted)))
	}

	page, err := p.Instances().List(ctx, persistence.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Instances, 2)
	assert.Equal(t, int64(5), page.TotalCount)
	assert.True(t, page.HasNextPage)

	last, err := p.Instances().List(ctx, persistence.ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, last.Instances, 1)
	assert.False(t, last.HasNextPage)
}

func TestInstanceRepository_ListRejectsUnknownSortField(t *testing.T) {
	p, _ := newPersistence(t)

	_, err := p.Instances().List(context.Background(), persistence.ListOptions{SortBy: "owner; drop table"})
	require.Error(t, err)
}

func TestInstanceRepository_ListNonTerminal(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Instances().Save(ctx, testInstance("open-1", models.InstanceStatusRunning)))
	require.NoError(t, p.Instances().Save(ctx, testInstance("open-2", models.InstanceStatusAwaitingApproval)))
	require.NoError(t, p.Instances().Save(ctx, testInstance("done-1", models.InstanceStatusCompleted)))
	require.NoError(t, p.Instances().Save(ctx, testInstance("dead-1", models.InstanceStatusFailed)))

	open, err := p.Instances().ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)

	ids := []string{open[0].ID, open[1].ID}
	assert.Contains(t, ids, "open-1")
	assert.Contains(t, ids, "open-2")
}

func TestInstanceRepository_Delete(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Instances().Save(ctx, testInstance("gone", models.InstanceStatusFailed)))
	require.NoError(t, p.Instances().Delete(ctx, "gone"))

	_, err := p.Instances().ByID(ctx, "gone")
	assert.True(t, persistence.IsInstanceNotFound(err))

	// Deleting twice is not an error.
	require.NoError(t, p.Instances().Delete(ctx, "gone"))
}

func TestScheduleRepository_SaveAndDue(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	spec := &models.WorkflowSpec{
		ID:     "spec-nightly",
		Name:   "nightly build check",
		Stages: []models.StageSpec{{Name: "fix", PromptTemplate: "fix the build"}},
	}

	schedule, err := models.NewSchedule("nightly", spec, "0 3 * * *")
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	loaded, err := p.Schedules().ByID(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", loaded.CronExpression)
	assert.True(t, loaded.Active)
	require.NotNil(t, loaded.Spec)
	assert.Equal(t, "nightly build check", loaded.Spec.Name)

	// Not due before NextDueAt.
	due, err := p.Schedules().Due(ctx, loaded.NextDueAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = p.Schedules().Due(ctx, loaded.NextDueAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "nightly", due[0].ID)
}

func TestScheduleRepository_InactiveNeverDue(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	spec := &models.WorkflowSpec{
		ID:     "spec-nightly",
		Name:   "nightly build check",
		Stages: []models.StageSpec{{Name: "fix", PromptTemplate: "fix the build"}},
	}

	schedule, err := models.NewSchedule("paused", spec, "* * * * *")
	require.NoError(t, err)
	schedule.Active = false
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	due, err := p.Schedules().Due(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduleRepository_NotFoundAndDelete(t *testing.T) {
	p, _ := newPersistence(t)
	ctx := context.Background()

	_, err := p.Schedules().ByID(ctx, "missing")
	assert.True(t, persistence.IsScheduleNotFound(err))

	require.NoError(t, p.Schedules().Delete(ctx, "missing"))
}

func TestHealthCheck(t *testing.T) {
	p, _ := newPersistence(t)
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := file.NewPersistence("/does/not/exist")
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestListEmptyRoot(t *testing.T) {
	p, _ := newPersistence(t)

	result, err := p.Instances().List(context.Background(), persistence.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Instances)
	assert.Equal(t, int64(0), result.TotalCount)

	schedules, err := p.Schedules().All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schedules)
}
