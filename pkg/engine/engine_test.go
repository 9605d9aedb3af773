package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/agent"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/eventbus"
	"github.com/stagehand/stagehand/pkg/events"
	"github.com/stagehand/stagehand/pkg/executor"
	"github.com/stagehand/stagehand/pkg/failure"
	"github.com/stagehand/stagehand/pkg/mocks"
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/notify"
	"github.com/stagehand/stagehand/pkg/persistence"
	"github.com/stagehand/stagehand/pkg/retry"
	"github.com/stagehand/stagehand/pkg/snapshot"
	"github.com/stagehand/stagehand/pkg/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      time.Millisecond,
		Coefficient:    1,
		MaxAttempts:    3,
		MaxDelay:       time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func testSpec(stages ...models.StageSpec) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Name:           "wrapper development",
		InstancePrefix: "wrapper-dev-",
		Stages:         stages,
	}
}

// memPersistence stores JSON deep copies, so reads observe exactly what
// was saved and nothing that happened to the live instance afterwards.
// That mirrors how the file driver behaves across a process restart.
type memPersistence struct {
	mu        sync.Mutex
	records   map[string][]byte
	statuses  map[string][]models.InstanceStatus
	saves     int
	failAfter int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		records:  make(map[string][]byte),
		statuses: make(map[string][]models.InstanceStatus),
	}
}

func (p *memPersistence) Instances() persistence.InstanceRepository { return &memInstances{p: p} }
func (p *memPersistence) Schedules() persistence.ScheduleRepository { return nil }
func (p *memPersistence) HealthCheck(context.Context) error         { return nil }
func (p *memPersistence) Close(context.Context) error               { return nil }

// failSavesAfter makes every Save past the nth fail.
func (p *memPersistence) failSavesAfter(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failAfter = n
}

func (p *memPersistence) statusOf(t *testing.T, id string) models.InstanceStatus {
	t.Helper()

	inst := p.load(t, id)

	return inst.Status
}

// currentStatus is the non-failing variant for Eventually conditions.
func (p *memPersistence) currentStatus(id string) models.InstanceStatus {
	p.mu.Lock()
	raw, ok := p.records[id]
	p.mu.Unlock()

	if !ok {
		return ""
	}

	var inst models.WorkflowInstance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return ""
	}

	return inst.Status
}

func (p *memPersistence) load(t *testing.T, id string) *models.WorkflowInstance {
	t.Helper()

	p.mu.Lock()
	raw, ok := p.records[id]
	p.mu.Unlock()

	require.True(t, ok, "instance %s was never persisted", id)

	var inst models.WorkflowInstance
	require.NoError(t, json.Unmarshal(raw, &inst))

	return &inst
}

// statusHistory returns every status that was ever persisted for id, in
// order.
func (p *memPersistence) statusHistory(id string) []models.InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]models.InstanceStatus(nil), p.statuses[id]...)
}

type memInstances struct {
	p *memPersistence
}

func (r *memInstances) Save(_ context.Context, instance *models.WorkflowInstance) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.saves++
	if r.p.failAfter > 0 && r.p.saves > r.p.failAfter {
		return errors.New("storage unavailable")
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	raw, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	r.p.records[instance.ID] = raw
	r.p.statuses[instance.ID] = append(r.p.statuses[instance.ID], instance.Status)

	return nil
}

func (r *memInstances) ByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.p.mu.Lock()
	raw, ok := r.p.records[id]
	r.p.mu.Unlock()

	if !ok {
		return nil, persistence.NewInstanceError("get", id, persistence.ErrInstanceNotFound)
	}

	var inst models.WorkflowInstance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, err
	}

	return &inst, nil
}

func (r *memInstances) List(_ context.Context, _ persistence.ListOptions) (*persistence.ListResult, error) {
	return &persistence.ListResult{}, nil
}

func (r *memInstances) ListNonTerminal(_ context.Context) ([]*models.WorkflowInstance, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var out []*models.WorkflowInstance

	for _, raw := range r.p.records {
		var inst models.WorkflowInstance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return nil, err
		}

		if inst.Status.IsTerminal() {
			continue
		}

		out = append(out, &inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *memInstances) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	delete(r.p.records, id)

	return nil
}

// funcAgent delegates to fn with a 1-based call number; the behavior can
// be swapped mid-test to simulate a restart with a healthy adapter.
type funcAgent struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, req agent.Request) (*agent.Result, error)
}

func (a *funcAgent) Execute(ctx context.Context, req agent.Request, _ *slog.Logger) (*agent.Result, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	fn := a.fn
	a.mu.Unlock()

	return fn(ctx, call, req)
}

func (a *funcAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

func (a *funcAgent) setFn(fn func(ctx context.Context, call int, req agent.Request) (*agent.Result, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fn = fn
}

func healthyAgent() *funcAgent {
	return &funcAgent{fn: func(_ context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		return &agent.Result{Output: "done", TokensUsed: 300, CostUSD: 0.01, ChangedFiles: []string{"main.go"}}, nil
	}}
}

// blockingAgent parks until its context ends, signalling started on the
// first call.
func blockingAgent() (*funcAgent, chan struct{}) {
	started := make(chan struct{})

	var once sync.Once

	agnt := &funcAgent{fn: func(ctx context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()

		return nil, ctx.Err()
	}}

	return agnt, started
}

type seqVerifier struct {
	mu      sync.Mutex
	calls   int
	results []*models.VerificationResult
}

func (v *seqVerifier) Verify(_ context.Context, _ string, _ *slog.Logger) (*models.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.calls
	v.calls++

	if idx >= len(v.results) {
		idx = len(v.results) - 1
	}

	res := *v.results[idx]

	return &res, nil
}

func (v *seqVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.calls
}

func passed() *models.VerificationResult {
	return &models.VerificationResult{Status: models.VerificationPassed, TotalChecks: 5, PassedChecks: 5}
}

func failedChecks(messages ...string) *models.VerificationResult {
	return &models.VerificationResult{
		Status:          models.VerificationFailed,
		TotalChecks:     5,
		PassedChecks:    3,
		FailureMessages: messages,
	}
}

func passingVerifier() *seqVerifier {
	return &seqVerifier{results: []*models.VerificationResult{passed()}}
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *recordingBus) types() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]events.EventType, 0, len(b.events))
	for _, event := range b.events {
		out = append(out, event.GetType())
	}

	return out
}

// first returns the first published event of the given type, or nil.
func (b *recordingBus) first(eventType events.EventType) eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, event := range b.events {
		if event.GetType() == eventType {
			return event
		}
	}

	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification, _ *slog.Logger) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notes = append(n.notes, note)

	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]notify.Kind, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}

	return out
}

type workflowRecord struct {
	instanceID string
	status     models.InstanceStatus
	totals     models.UsageTotals
}

type recordingSink struct {
	mu        sync.Mutex
	stages    int
	workflows []workflowRecord
}

func (s *recordingSink) RecordStage(_ context.Context, _, _ string, _ int, _ models.StageUsage, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stages++

	return nil
}

func (s *recordingSink) RecordWorkflow(_ context.Context, instanceID string, status models.InstanceStatus, totals models.UsageTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows = append(s.workflows, workflowRecord{instanceID: instanceID, status: status, totals: totals})

	return nil
}

func (s *recordingSink) workflowRecords() []workflowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]workflowRecord(nil), s.workflows...)
}

// failingSnapshots degrades every snapshot operation.
type failingSnapshots struct{}

func (failingSnapshots) Create(context.Context, string, int, string) (models.SnapshotRef, error) {
	return models.SnapshotRef{}, errors.New("disk full")
}

func (failingSnapshots) Restore(context.Context, string, models.SnapshotRef) error {
	return errors.New("disk full")
}

func (failingSnapshots) Changes(context.Context, string) ([]string, error) {
	return nil, errors.New("disk full")
}

type harness struct {
	engine    *engine.Engine
	persist   *memPersistence
	bus       *recordingBus
	notifier  *recordingNotifier
	sink      *recordingSink
	snapshots snapshot.Manager
	agent     *funcAgent
	verifier  *seqVerifier
}

func newHarness(t *testing.T, cfg engine.Config, agnt *funcAgent, verifier *seqVerifier) *harness {
	t.Helper()

	return newHarnessWith(t, cfg, agnt, verifier, newMemPersistence(), snapshot.NewMemManager())
}

func newHarnessWith(t *testing.T, cfg engine.Config, agnt *funcAgent, verifier *seqVerifier, persist *memPersistence, snaps snapshot.Manager) *harness {
	t.Helper()

	logger := testLogger()
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	sink := &recordingSink{}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}

	// Cooldowns off by default; tests that want them set a threshold.
	if cfg.Cooldown == (usage.Cooldown{}) {
		cfg.Cooldown = usage.Cooldown{Threshold: -1}
	}

	exec := executor.New(agnt, verifier, snaps, fastPolicy(), logger)
	eng := engine.New(cfg, persist, bus, exec, snaps, verifier, notifier, sink, logger)

	return &harness{
		engine:    eng,
		persist:   persist,
		bus:       bus,
		notifier:  notifier,
		sink:      sink,
		snapshots: snaps,
		agent:     agnt,
		verifier:  verifier,
	}
}

func (h *harness) submit(t *testing.T, spec *models.WorkflowSpec) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.engine.Submit(context.Background(), spec, t.TempDir())
	require.NoError(t, err)

	return instance
}

func TestSubmitCreatesInitializingInstance(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	spec := testSpec(
		models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	)
	spec.SkipStages = []string{"core"}

	instance := h.submit(t, spec)

	assert.True(t, strings.HasPrefix(instance.ID, "wrapper-dev-"))
	assert.Equal(t, models.InstanceStatusInitializing, instance.Status)
	assert.NotEmpty(t, instance.SpecID)

	require.Len(t, instance.History, 1)
	assert.Equal(t, "core", instance.History[0].StageName)
	assert.True(t, instance.History[0].Skipped)

	assert.Equal(t, models.InstanceStatusInitializing, h.persist.statusOf(t, instance.ID))

	submitted := h.bus.first(events.WorkflowSubmittedEvent)
	require.NotNil(t, submitted)
	assert.Equal(t, "wrapper development", submitted.(*events.WorkflowSubmitted).SpecName)
}

func TestSubmitToleratesPublishFailure(t *testing.T) {
	persist := newMemPersistence()
	snaps := snapshot.NewMemManager()
	logger := testLogger()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(context.DeadlineExceeded)

	agnt := healthyAgent()
	verifier := passingVerifier()
	exec := executor.New(agnt, verifier, snaps, fastPolicy(), logger)
	eng := engine.New(engine.Config{WorkerID: "worker-test"}, persist, bus, exec, snaps, verifier, &recordingNotifier{}, nil, logger)

	// The persisted instance is the source of truth; a bus outage must
	// not fail the submission.
	instance, err := eng.Submit(context.Background(), testSpec(
		models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
	), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusInitializing, persist.statusOf(t, instance.ID))
	bus.AssertExpectations(t)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	_, err := h.engine.Submit(context.Background(), &models.WorkflowSpec{Name: "empty"}, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoStages)

	_, err = h.engine.Submit(context.Background(), nil, t.TempDir())
	require.Error(t, err)
}

func TestRunCompletesAllStages(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	require.NotNil(t, instance.CompletedAt)

	persisted := h.persist.load(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, persisted.Status)
	require.Len(t, persisted.History, 2)
	assert.True(t, persisted.History[0].Success)
	assert.True(t, persisted.History[1].Success)

	assert.Equal(t, 600, persisted.Usage.TokensUsed)
	assert.Equal(t, 2, persisted.Usage.StagesCompleted)
	assert.Equal(t, 2, persisted.Usage.VerificationsPassed)

	// Two stage passes plus the final verification.
	assert.Equal(t, 3, h.verifier.callCount())

	assert.Equal(t, []events.EventType{
		events.WorkflowSubmittedEvent,
		events.WorkflowStartedEvent,
		events.StageStartedEvent,
		events.StageCompletedEvent,
		events.StageStartedEvent,
		events.StageCompletedEvent,
		events.WorkflowCompletedEvent,
	}, h.bus.types())

	assert.Contains(t, h.notifier.kinds(), notify.KindWorkflowCompleted)

	records := h.sink.workflowRecords()
	require.Len(t, records, 1)
	assert.Equal(t, models.InstanceStatusCompleted, records[0].status)
	assert.Equal(t, 600, records[0].totals.TokensUsed)
}

func TestCriticalStageFailureRollsBack(t *testing.T) {
	agnt := &funcAgent{fn: func(_ context.Context, call int, _ agent.Request) (*agent.Result, error) {
		if call == 1 {
			return &agent.Result{Output: "ok", TokensUsed: 100}, nil
		}

		return nil, failure.NonRetryable(errors.New("model refused the prompt"))
	}}

	h := newHarness(t, engine.Config{}, agnt, passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
		models.StageSpec{Name: "core", PromptTemplate: "implement the core", CriticalPath: true},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)

	mem := h.snapshots.(*snapshot.MemManager)
	assert.Equal(t, 1, mem.Creates())
	assert.Equal(t, 1, mem.Restores())

	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureNonRetryable, instance.LastError.Class)
	assert.Equal(t, "core", instance.LastError.StageName)
	require.Len(t, instance.Snapshots, 1)
	assert.Equal(t, instance.Snapshots[0].ID, instance.LastError.SnapshotID)

	// The rollback rewinds the index to where the snapshot was taken.
	assert.Equal(t, 1, instance.CurrentStageIndex)

	assert.Contains(t, h.persist.statusHistory(instance.ID), models.InstanceStatusRollingBack)

	created := h.bus.first(events.SnapshotCreatedEvent)
	require.NotNil(t, created)
	assert.Equal(t, instance.Snapshots[0].ID, created.(*events.SnapshotCreated).SnapshotID)
	assert.Equal(t, "core", created.(*events.SnapshotCreated).StageName)

	restored := h.bus.first(events.SnapshotRestoredEvent)
	require.NotNil(t, restored)
	assert.Equal(t, instance.Snapshots[0].ID, restored.(*events.SnapshotRestored).SnapshotID)

	failedEvent := h.bus.first(events.WorkflowFailedEvent)
	require.NotNil(t, failedEvent)
	assert.True(t, failedEvent.(*events.WorkflowFailed).RolledBack)

	assert.Contains(t, h.notifier.kinds(), notify.KindWorkflowFailed)
}

func TestNonCriticalStageFailureSkipsRollback(t *testing.T) {
	agnt := &funcAgent{fn: func(_ context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		return nil, failure.NonRetryable(errors.New("model refused the prompt"))
	}}

	h := newHarness(t, engine.Config{}, agnt, passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "docs", PromptTemplate: "write docs"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)

	mem := h.snapshots.(*snapshot.MemManager)
	assert.Equal(t, 0, mem.Creates())
	assert.Equal(t, 0, mem.Restores())

	assert.NotContains(t, h.persist.statusHistory(instance.ID), models.InstanceStatusRollingBack)

	failedEvent := h.bus.first(events.WorkflowFailedEvent)
	require.NotNil(t, failedEvent)
	assert.False(t, failedEvent.(*events.WorkflowFailed).RolledBack)
}

func TestCriticalFailureWithDegradedSnapshotsFailsDirect(t *testing.T) {
	agnt := &funcAgent{fn: func(_ context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		return nil, failure.NonRetryable(errors.New("model refused the prompt"))
	}}

	h := newHarnessWith(t, engine.Config{}, agnt, passingVerifier(), newMemPersistence(), failingSnapshots{})

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core", CriticalPath: true},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Empty(t, instance.Snapshots)
	assert.NotContains(t, h.persist.statusHistory(instance.ID), models.InstanceStatusRollingBack)
}

func TestApprovalApprovedContinues(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
	))

	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(context.Background(), instance) }()

	require.Eventually(t, func() bool {
		return h.persist.currentStatus(instance.ID) == models.InstanceStatusAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalApproved, "reviewer", "ship it"))

	require.NoError(t, <-errCh)

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	persisted := h.persist.load(t, instance.ID)
	require.NotNil(t, persisted.Approval)
	assert.Equal(t, models.ApprovalApproved, persisted.Approval.Decision)
	assert.Equal(t, "reviewer", persisted.Approval.DecidedBy)
	assert.Equal(t, "ship it", persisted.Approval.Comment)

	decided := h.bus.first(events.ApprovalDecidedEvent)
	require.NotNil(t, decided)
	assert.Equal(t, models.ApprovalApproved, decided.(*events.ApprovalDecided).Decision)
	assert.Equal(t, "reviewer", decided.(*events.ApprovalDecided).DecidedBy)

	kinds := h.notifier.kinds()
	assert.Contains(t, kinds, notify.KindApprovalRequested)
	assert.Contains(t, kinds, notify.KindApprovalDecided)
	assert.Contains(t, kinds, notify.KindWorkflowCompleted)
}

func TestApprovalRejectedFailsWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
	))

	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(context.Background(), instance) }()

	require.Eventually(t, func() bool {
		return h.persist.currentStatus(instance.ID) == models.InstanceStatusAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalRejected, "reviewer", "not like this"))

	require.NoError(t, <-errCh)

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureApprovalRejected, instance.LastError.Class)
	assert.Contains(t, instance.LastError.Message, "reviewer")

	// Only the stage verification ran; a rejected workflow gets no final
	// pass.
	assert.Equal(t, 1, h.verifier.callCount())
	assert.Contains(t, h.notifier.kinds(), notify.KindWorkflowFailed)
}

func TestApprovalTimeoutRejectPolicy(t *testing.T) {
	h := newHarness(t, engine.Config{ApprovalTimeout: 40 * time.Millisecond}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
	))

	start := time.Now()
	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureApprovalTimeout, instance.LastError.Class)

	persisted := h.persist.load(t, instance.ID)
	require.NotNil(t, persisted.Approval)
	assert.True(t, persisted.Approval.TimedOut)

	decided := h.bus.first(events.ApprovalDecidedEvent)
	require.NotNil(t, decided)
	assert.True(t, decided.(*events.ApprovalDecided).TimedOut)
}

func TestApprovalTimeoutApprovePolicy(t *testing.T) {
	cfg := engine.Config{
		ApprovalTimeout:       40 * time.Millisecond,
		ApprovalTimeoutPolicy: engine.TimeoutApprove,
	}

	h := newHarness(t, cfg, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	persisted := h.persist.load(t, instance.ID)
	require.NotNil(t, persisted.Approval)
	assert.Equal(t, models.ApprovalApproved, persisted.Approval.Decision)
	assert.Equal(t, "timeout-policy", persisted.Approval.DecidedBy)
	assert.True(t, persisted.Approval.TimedOut)
}

func TestCancelTerminatesRunningInstance(t *testing.T) {
	agnt, started := blockingAgent()
	h := newHarness(t, engine.Config{}, agnt, passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(context.Background(), instance) }()

	<-started

	require.NoError(t, h.engine.Cancel(context.Background(), instance.ID, "operator", "no longer needed"))

	require.NoError(t, <-errCh)

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureCancelled, instance.LastError.Class)
	assert.Contains(t, instance.LastError.Message, "operator")

	cancelled := h.bus.first(events.WorkflowCancelledEvent)
	require.NotNil(t, cancelled)
	assert.Equal(t, "operator", cancelled.(*events.WorkflowCancelled).CancelledBy)
	assert.Equal(t, "no longer needed", cancelled.(*events.WorkflowCancelled).Reason)

	records := h.sink.workflowRecords()
	require.Len(t, records, 1)
	assert.Equal(t, models.InstanceStatusFailed, records[0].status)
}

func TestCancelKnowsNothingOfFinishedInstances(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	err := h.engine.Cancel(context.Background(), instance.ID, "operator", "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNotRunning)
}

func TestCancelParkedInstance(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := &models.WorkflowInstance{
		ID:     "wrapper-dev-parked",
		SpecID: "spec-parked",
		Spec: testSpec(
			models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
		),
		Status:    models.InstanceStatusRunning,
		Workspace: t.TempDir(),
	}
	require.NoError(t, h.persist.Instances().Save(context.Background(), instance))

	require.NoError(t, h.engine.Cancel(context.Background(), instance.ID, "operator", "stale"))

	persisted := h.persist.load(t, instance.ID)
	assert.Equal(t, models.InstanceStatusFailed, persisted.Status)
	require.NotNil(t, persisted.LastError)
	assert.Equal(t, models.FailureCancelled, persisted.LastError.Class)

	cancelled := h.bus.first(events.WorkflowCancelledEvent)
	require.NotNil(t, cancelled)
	assert.Equal(t, "operator", cancelled.(*events.WorkflowCancelled).CancelledBy)
}

func TestShutdownKeepsInstanceResumable(t *testing.T) {
	agnt, started := blockingAgent()
	persist := newMemPersistence()
	h := newHarnessWith(t, engine.Config{}, agnt, passingVerifier(), persist, snapshot.NewMemManager())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	runCtx, shutdown := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(runCtx, instance) }()

	<-started
	shutdown()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The instance stays mid-run in persistence, not failed.
	assert.Equal(t, models.InstanceStatusRunning, h.persist.statusOf(t, instance.ID))

	// A fresh engine with a healthy adapter picks it up and finishes it.
	agnt.setFn(func(_ context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		return &agent.Result{Output: "done", TokensUsed: 300, CostUSD: 0.01}, nil
	})

	restarted := newHarnessWith(t, engine.Config{}, agnt, passingVerifier(), persist, snapshot.NewMemManager())

	ids, err := restarted.engine.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{instance.ID}, ids)

	require.Eventually(t, func() bool {
		return persist.currentStatus(instance.ID) == models.InstanceStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, restarted.engine.Shutdown(context.Background()))
}

func TestResumeSkipsTerminalInstances(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	now := time.Now().UTC()
	done := &models.WorkflowInstance{
		ID:     "wrapper-dev-done",
		SpecID: "spec-done",
		Spec: testSpec(
			models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
		),
		Status:      models.InstanceStatusCompleted,
		CompletedAt: &now,
	}
	require.NoError(t, h.persist.Instances().Save(context.Background(), done))

	parked := &models.WorkflowInstance{
		ID:     "wrapper-dev-parked",
		SpecID: "spec-parked",
		Spec: testSpec(
			models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
		),
		Status:    models.InstanceStatusRunning,
		Workspace: t.TempDir(),
	}
	require.NoError(t, h.persist.Instances().Save(context.Background(), parked))

	ids, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{parked.ID}, ids)

	require.Eventually(t, func() bool {
		return h.persist.currentStatus(parked.ID) == models.InstanceStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Shutdown(context.Background()))
	assert.Equal(t, models.InstanceStatusCompleted, h.persist.statusOf(t, done.ID))
}

func TestResumeExpiredApprovalGateTimesOut(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	now := time.Now().UTC()
	instance := &models.WorkflowInstance{
		ID:     "wrapper-dev-expired",
		SpecID: "spec-expired",
		Spec: testSpec(
			models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
		),
		Status:            models.InstanceStatusAwaitingApproval,
		CurrentStageIndex: 0,
		Workspace:         t.TempDir(),
		Approval: &models.ApprovalState{
			StageName:   "review",
			StageIndex:  0,
			Decision:    models.ApprovalPending,
			RequestedAt: now.Add(-2 * time.Hour),
			Deadline:    now.Add(-time.Hour),
		},
	}
	require.NoError(t, h.persist.Instances().Save(context.Background(), instance))

	start := time.Now()
	require.NoError(t, h.engine.Run(context.Background(), instance))

	// An already-elapsed deadline resolves immediately, no fresh hour.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureApprovalTimeout, instance.LastError.Class)
	assert.Zero(t, h.agent.callCount())
}

func TestRecordApprovalOnParkedInstance(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	now := time.Now().UTC()
	instance := &models.WorkflowInstance{
		ID:     "wrapper-dev-parked-gate",
		SpecID: "spec-parked-gate",
		Spec: testSpec(
			models.StageSpec{Name: "review", PromptTemplate: "prepare the change", RequiresApproval: true},
		),
		Status:            models.InstanceStatusAwaitingApproval,
		CurrentStageIndex: 0,
		Workspace:         t.TempDir(),
		Approval: &models.ApprovalState{
			StageName:   "review",
			StageIndex:  0,
			Decision:    models.ApprovalPending,
			RequestedAt: now,
			Deadline:    now.Add(time.Hour),
		},
	}
	require.NoError(t, h.persist.Instances().Save(context.Background(), instance))

	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalApproved, "reviewer", "fine"))

	// Any later decision is a no-op, identical or conflicting; the
	// first one stays recorded.
	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalApproved, "reviewer", "fine"))
	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalRejected, "other", "changed my mind"))
	assert.Equal(t, models.ApprovalApproved, h.persist.load(t, instance.ID).Approval.Decision)

	// The resumed run honors the recorded decision without re-executing
	// the already-approved stage.
	resumed := h.persist.load(t, instance.ID)
	require.NoError(t, h.engine.Run(context.Background(), resumed))

	assert.Equal(t, models.InstanceStatusCompleted, resumed.Status)
	assert.Zero(t, h.agent.callCount())
	assert.Equal(t, 1, h.verifier.callCount())
}

func TestResumeFinishesInterruptedRollback(t *testing.T) {
	persist := newMemPersistence()
	snaps := snapshot.NewMemManager()
	h := newHarnessWith(t, engine.Config{}, healthyAgent(), passingVerifier(), persist, snaps)

	workspace := t.TempDir()
	ref, err := snaps.Create(context.Background(), workspace, 1, "core")
	require.NoError(t, err)

	instance := &models.WorkflowInstance{
		ID:     "wrapper-dev-rollback",
		SpecID: "spec-rollback",
		Spec: testSpec(
			models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
			models.StageSpec{Name: "core", PromptTemplate: "implement the core", CriticalPath: true},
		),
		Status:            models.InstanceStatusRollingBack,
		CurrentStageIndex: 1,
		Workspace:         workspace,
		Snapshots:         []models.SnapshotRef{ref},
		LastError: &models.FailureRecord{
			Class:      models.FailureTransient,
			StageName:  "core",
			StageIndex: 1,
			Message:    "adapter kept timing out",
			OccurredAt: time.Now().UTC(),
		},
	}
	require.NoError(t, persist.Instances().Save(context.Background(), instance))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Equal(t, 1, snaps.Restores())

	// The pre-crash verdict survives the resumed rollback.
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureTransient, instance.LastError.Class)

	failedEvent := h.bus.first(events.WorkflowFailedEvent)
	require.NotNil(t, failedEvent)
	assert.True(t, failedEvent.(*events.WorkflowFailed).RolledBack)
	assert.Zero(t, h.agent.callCount())
}

func TestCooldownAppliedBetweenStages(t *testing.T) {
	cfg := engine.Config{
		Cooldown: usage.Cooldown{
			Threshold: 100,
			Delay:     5 * time.Millisecond,
			MaxDelay:  50 * time.Millisecond,
		},
	}

	h := newHarness(t, cfg, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "scaffold", PromptTemplate: "scaffold the project"},
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	start := time.Now()
	require.NoError(t, h.engine.Run(context.Background(), instance))

	// 300 tokens after stage one crosses 100, 600 after stage two crosses
	// 200: two cooldowns, the second one doubled.
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 2, instance.CooldownCount)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestFinalVerificationFailureFailsWorkflow(t *testing.T) {
	verifier := &seqVerifier{results: []*models.VerificationResult{
		passed(),
		failedChecks("integration suite failed"),
	}}

	h := newHarness(t, engine.Config{}, healthyAgent(), verifier)

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureVerification, instance.LastError.Class)
	assert.Contains(t, instance.LastError.Message, "integration suite failed")

	failedEvent := h.bus.first(events.WorkflowFailedEvent)
	require.NotNil(t, failedEvent)
	assert.Equal(t, models.FailureVerification, failedEvent.(*events.WorkflowFailed).FailureClass)
}

func TestSkipFinalVerification(t *testing.T) {
	verifier := &seqVerifier{results: []*models.VerificationResult{
		passed(),
		failedChecks("would fail the final pass"),
	}}

	h := newHarness(t, engine.Config{}, healthyAgent(), verifier)

	spec := testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	)
	spec.SkipFinalVerification = true

	instance := h.submit(t, spec)

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 1, verifier.callCount())
}

func TestPersistenceFailureAbortsFatally(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	// The submit save succeeded; everything after fails.
	h.persist.failSavesAfter(1)

	err := h.engine.Run(context.Background(), instance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting instance")

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	require.NotNil(t, instance.LastError)
	assert.Equal(t, models.FailureFatal, instance.LastError.Class)

	failedEvent := h.bus.first(events.WorkflowFailedEvent)
	require.NotNil(t, failedEvent)
	assert.Equal(t, models.FailureFatal, failedEvent.(*events.WorkflowFailed).FailureClass)
}

func TestRunRefusesDuplicateOwnership(t *testing.T) {
	agnt, started := blockingAgent()
	h := newHarness(t, engine.Config{}, agnt, passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(context.Background(), instance) }()

	<-started

	err := h.engine.Run(context.Background(), instance)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrAlreadyRunning)

	require.NoError(t, h.engine.Cancel(context.Background(), instance.ID, "test", "cleanup"))
	require.NoError(t, <-errCh)
}

func TestRunIsNoOpForTerminalInstances(t *testing.T) {
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))
	require.Equal(t, models.InstanceStatusCompleted, instance.Status)

	calls := h.agent.callCount()
	require.NoError(t, h.engine.Run(context.Background(), instance))
	assert.Equal(t, calls, h.agent.callCount())
}

func TestVerificationRetryProducesIterativePrompts(t *testing.T) {
	verifier := &seqVerifier{results: []*models.VerificationResult{
		failedChecks("TestParse fails on empty input"),
		passed(),
		passed(),
	}}

	var prompts []string

	var mu sync.Mutex

	agnt := &funcAgent{fn: func(_ context.Context, _ int, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()

		return &agent.Result{Output: "done", TokensUsed: 50}, nil
	}}

	h := newHarness(t, engine.Config{}, agnt, verifier)

	instance := h.submit(t, testSpec(
		models.StageSpec{
			Name:           "fix",
			PromptTemplate: `fix the bug{{ if .failures }}, previous run: {{ join .failures "; " }}{{ end }}`,
			MaxIterations:  3,
		},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, prompts, 2)
	assert.Equal(t, "fix the bug", prompts[0])
	assert.Equal(t, "fix the bug, previous run: TestParse fails on empty input", prompts[1])
}

func TestWorkerIDStampedOnEvents(t *testing.T) {
	h := newHarness(t, engine.Config{WorkerID: "engine-7"}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "core", PromptTemplate: "implement the core"},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	completed := h.bus.first(events.WorkflowCompletedEvent)
	require.NotNil(t, completed)
	assert.Equal(t, "engine-7", completed.(*events.WorkflowCompleted).WorkerID)
	assert.Equal(t, instance.ID, completed.(*events.WorkflowCompleted).InstanceID)
}

func TestTokensAccumulateAcrossFailures(t *testing.T) {
	// Even attempts that fail verification burn tokens; totals never go
	// down.
	verifier := &seqVerifier{results: []*models.VerificationResult{
		failedChecks("still broken"),
	}}

	agnt := &funcAgent{fn: func(_ context.Context, _ int, _ agent.Request) (*agent.Result, error) {
		return &agent.Result{Output: "attempt", TokensUsed: 70, CostUSD: 0.002}, nil
	}}

	h := newHarness(t, engine.Config{}, agnt, verifier)

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "fix", PromptTemplate: "fix the bug", MaxIterations: 2},
	))

	require.NoError(t, h.engine.Run(context.Background(), instance))

	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Equal(t, 140, instance.Usage.TokensUsed)
	assert.Equal(t, 0, instance.Usage.StagesCompleted)
	assert.InDelta(t, 0.004, instance.Usage.CostUSD, 1e-9)
}

func TestApprovalScenarioTwoCriticalStages(t *testing.T) {
	// Stage A is critical with no gate, stage B is critical and gated.
	// Both succeed, the gate approves, the run completes with summed
	// usage.
	h := newHarness(t, engine.Config{}, healthyAgent(), passingVerifier())

	instance := h.submit(t, testSpec(
		models.StageSpec{Name: "stage-a", PromptTemplate: "do a", CriticalPath: true},
		models.StageSpec{Name: "stage-b", PromptTemplate: "do b", CriticalPath: true, RequiresApproval: true},
	))

	errCh := make(chan error, 1)

	go func() { errCh <- h.engine.Run(context.Background(), instance) }()

	require.Eventually(t, func() bool {
		return h.persist.currentStatus(instance.ID) == models.InstanceStatusAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)

	persisted := h.persist.load(t, instance.ID)
	require.NotNil(t, persisted.Approval)
	assert.Equal(t, "stage-b", persisted.Approval.StageName)
	assert.Equal(t, 1, persisted.Approval.StageIndex)

	require.NoError(t, h.engine.RecordApproval(context.Background(), instance.ID, models.ApprovalApproved, "reviewer", ""))
	require.NoError(t, <-errCh)

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 600, instance.Usage.TokensUsed)
	assert.Equal(t, 2, instance.Usage.StagesCompleted)

	mem := h.snapshots.(*snapshot.MemManager)
	assert.Equal(t, 2, mem.Creates())
	assert.Equal(t, 0, mem.Restores())
}

func ExampleEngine_Submit() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	persist := newMemPersistence()
	agnt := healthyAgent()
	verifier := passingVerifier()
	snaps := snapshot.NewMemManager()

	exec := executor.New(agnt, verifier, snaps, fastPolicy(), logger)
	eng := engine.New(engine.Config{WorkerID: "example"}, persist, nil, exec, snaps, verifier, nil, nil, logger)

	spec := &models.WorkflowSpec{
		Name:           "wrapper development",
		InstancePrefix: "wrapper-dev-",
		Stages: []models.StageSpec{
			{Name: "scaffold", PromptTemplate: "scaffold the project"},
		},
	}

	instance, err := eng.Submit(context.Background(), spec, "/tmp/workspace")
	if err != nil {
		fmt.Println("submit failed:", err)

		return
	}

	if err := eng.Run(context.Background(), instance); err != nil {
		fmt.Println("run failed:", err)

		return
	}

	fmt.Println(instance.Status)
	// Output: completed
}
