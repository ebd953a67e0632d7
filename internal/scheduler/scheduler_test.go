package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homelistingai/followup/internal/adapters"
	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/executor"
	"github.com/homelistingai/followup/internal/models"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// mockStore is an in-memory Store with the same claim rules as the database.
type mockStore struct {
	mu       sync.Mutex
	execs    map[string]*models.Execution
	listErr  error
	claimErr error
}

func newMockStore(execs ...*models.Execution) *mockStore {
	m := &mockStore{execs: make(map[string]*models.Execution)}
	for _, exec := range execs {
		m.execs[exec.ID] = exec
	}
	return m
}

func (m *mockStore) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var due []*models.Execution
	for _, exec := range m.execs {
		if m.claimable(exec, now, staleBefore) {
			copied := *exec
			due = append(due, &copied)
		}
	}
	return due, nil
}

func (m *mockStore) Claim(ctx context.Context, id, token string, stepIndex int, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	exec, ok := m.execs[id]
	if !ok || exec.CurrentStepIndex != stepIndex || !m.claimable(exec, now, staleBefore) {
		return false, nil
	}
	exec.ClaimToken = token
	exec.ClaimedAt = &now
	return true, nil
}

func (m *mockStore) claimable(exec *models.Execution, now, staleBefore time.Time) bool {
	if exec.Status != models.ExecutionStatusActive || exec.NextStepDate.After(now) {
		return false
	}
	return exec.ClaimToken == "" || (exec.ClaimedAt != nil && exec.ClaimedAt.Before(staleBefore))
}

// mockRunner records executions and marks them completed in the store.
type mockRunner struct {
	mu      sync.Mutex
	store   *mockStore
	calls   map[string]int
	tokens  map[string]string
	fail    error
	block   chan struct{}
	started chan string
}

func newMockRunner(store *mockStore) *mockRunner {
	return &mockRunner{
		store:  store,
		calls:  make(map[string]int),
		tokens: make(map[string]string),
	}
}

func (m *mockRunner) ExecuteDueStep(ctx context.Context, exec *models.Execution, token string) (*executor.Outcome, error) {
	if m.started != nil {
		m.started <- exec.ID
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls[exec.ID]++
	m.tokens[exec.ID] = token
	m.mu.Unlock()

	outcome := &executor.Outcome{ExecutionID: exec.ID, StepIndex: exec.CurrentStepIndex}
	if m.fail != nil {
		outcome.DispatchErr = m.fail
		return outcome, nil
	}

	if m.store != nil {
		m.store.mu.Lock()
		stored := m.store.execs[exec.ID]
		stored.Status = models.ExecutionStatusCompleted
		stored.ClaimToken = ""
		m.store.mu.Unlock()
	}
	outcome.Dispatched = true
	outcome.DeliveryRef = "ref-" + exec.ID
	outcome.Status = models.ExecutionStatusCompleted
	outcome.Completed = true
	return outcome, nil
}

func (m *mockRunner) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func dueExecution(id string, at time.Time) *models.Execution {
	return &models.Execution{
		ID:           id,
		LeadID:       "lead-" + id,
		SequenceID:   "seq-1",
		Status:       models.ExecutionStatusActive,
		NextStepDate: at,
		Steps:        []models.Step{{ID: "s1", Type: models.StepTypeEmail, Content: "Hi"}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TickInterval != 15*time.Second {
		t.Errorf("expected TickInterval 15s, got %v", cfg.TickInterval)
	}
	if cfg.DispatchTimeout != 30*time.Second {
		t.Errorf("expected DispatchTimeout 30s, got %v", cfg.DispatchTimeout)
	}
	if cfg.MaxConcurrentDispatches != 10 {
		t.Errorf("expected MaxConcurrentDispatches 10, got %d", cfg.MaxConcurrentDispatches)
	}
	if cfg.ClaimTTL != 10*time.Minute {
		t.Errorf("expected ClaimTTL 10m, got %v", cfg.ClaimTTL)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("expected BatchSize 100, got %d", cfg.BatchSize)
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	sched := New(Config{ClaimTTL: -time.Second}, nil, nil)

	if sched.config.TickInterval != DefaultConfig().TickInterval {
		t.Errorf("expected default TickInterval, got %v", sched.config.TickInterval)
	}
	if sched.config.DispatchTimeout != DefaultConfig().DispatchTimeout {
		t.Errorf("expected default DispatchTimeout, got %v", sched.config.DispatchTimeout)
	}
	if sched.config.MaxConcurrentDispatches != DefaultConfig().MaxConcurrentDispatches {
		t.Errorf("expected default MaxConcurrentDispatches, got %d", sched.config.MaxConcurrentDispatches)
	}
	if sched.config.BatchSize != DefaultConfig().BatchSize {
		t.Errorf("expected default BatchSize, got %d", sched.config.BatchSize)
	}
	if sched.config.ClaimTTL != 0 {
		t.Errorf("expected negative ClaimTTL to be clamped, got %v", sched.config.ClaimTTL)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	sched := New(Config{TickInterval: 10 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}

	stats := sched.Stats()
	if !stats.Running {
		t.Error("expected scheduler to be running")
	}
	if stats.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	if err := sched.Start(ctx); err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}

	if err := sched.Stop(); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}
	if sched.Stats().Running {
		t.Error("expected scheduler to be stopped")
	}
	if err := sched.Stop(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	sched := New(Config{TickInterval: 10 * time.Millisecond}, nil, nil)

	if err := sched.Pause(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
	if err := sched.Resume(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	if err := sched.Pause(); err != nil {
		t.Fatalf("failed to pause scheduler: %v", err)
	}
	if !sched.Stats().Paused {
		t.Error("expected scheduler to be paused")
	}
	if err := sched.Pause(); err != nil {
		t.Errorf("expected pause to be idempotent, got %v", err)
	}
	if err := sched.ScheduleNow(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning while paused, got %v", err)
	}

	if err := sched.Resume(); err != nil {
		t.Fatalf("failed to resume scheduler: %v", err)
	}
	if sched.Stats().Paused {
		t.Error("expected scheduler not to be paused")
	}
	if err := sched.ScheduleNow(); err != nil {
		t.Errorf("expected ScheduleNow to succeed, got %v", err)
	}
}

func TestScheduler_ScheduleNow_NotRunning(t *testing.T) {
	sched := New(DefaultConfig(), nil, nil)
	if err := sched.ScheduleNow(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestScheduler_RecordDispatch(t *testing.T) {
	sched := New(DefaultConfig(), nil, nil)

	event := DispatchEvent{ExecutionID: "exec-1", Success: true, Timestamp: testNow}
	sched.recordDispatch(event)

	stats := sched.Stats()
	if stats.TotalDispatches != 1 || stats.SuccessfulDispatches != 1 || stats.FailedDispatches != 0 {
		t.Errorf("unexpected stats after success: %+v", stats)
	}
	if stats.LastDispatchAt == nil || !stats.LastDispatchAt.Equal(testNow) {
		t.Errorf("expected LastDispatchAt %v, got %v", testNow, stats.LastDispatchAt)
	}

	event.Success = false
	event.Error = "smtp unavailable"
	sched.recordDispatch(event)

	stats = sched.Stats()
	if stats.TotalDispatches != 2 || stats.FailedDispatches != 1 {
		t.Errorf("unexpected stats after failure: %+v", stats)
	}

	got := <-sched.DispatchEvents()
	if got.ExecutionID != "exec-1" || !got.Success {
		t.Errorf("unexpected first dispatch event: %+v", got)
	}
}

func TestSweep_DispatchesOnlyDueExecutions(t *testing.T) {
	store := newMockStore(
		dueExecution("due-1", testNow.Add(-time.Minute)),
		dueExecution("due-2", testNow),
		dueExecution("later", testNow.Add(time.Hour)),
	)
	paused := dueExecution("paused", testNow)
	paused.Status = models.ExecutionStatusPaused
	store.execs[paused.ID] = paused

	runner := newMockRunner(store)
	sched := New(DefaultConfig(), store, runner).WithClock(func() time.Time { return testNow })

	result, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{Due: 2, Claimed: 2, Dispatched: 2}, result)

	require.Equal(t, 1, runner.callCount("due-1"))
	require.Equal(t, 1, runner.callCount("due-2"))
	require.Equal(t, 0, runner.callCount("later"))
	require.Equal(t, 0, runner.callCount("paused"))

	stats := sched.Stats()
	require.Equal(t, int64(1), stats.Sweeps)
	require.Equal(t, int64(2), stats.SuccessfulDispatches)
	require.NotNil(t, stats.LastSweepAt)

	// Completed executions are not dispatched again.
	result, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Due)
}

func TestSweep_UsesFreshClaimTokens(t *testing.T) {
	store := newMockStore(dueExecution("a", testNow), dueExecution("b", testNow))
	runner := newMockRunner(store)
	sched := New(DefaultConfig(), store, runner).WithClock(func() time.Time { return testNow })

	_, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runner.tokens["a"])
	require.NotEqual(t, runner.tokens["a"], runner.tokens["b"])
}

func TestSweep_DispatchFailureCounted(t *testing.T) {
	store := newMockStore(dueExecution("a", testNow))
	runner := newMockRunner(store)
	runner.fail = errors.New("smtp unavailable")
	sched := New(DefaultConfig(), store, runner).WithClock(func() time.Time { return testNow })

	result, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	event := <-sched.DispatchEvents()
	require.False(t, event.Success)
	require.Equal(t, "smtp unavailable", event.Error)
	require.Equal(t, models.StepTypeEmail, event.StepType)
}

func TestSweep_ListErrorReturned(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("database is locked")
	sched := New(DefaultConfig(), store, newMockRunner(store))

	_, err := sched.Sweep(context.Background())
	require.EqualError(t, err, "database is locked")
}

func TestSweep_ClaimErrorSkipsExecution(t *testing.T) {
	store := newMockStore(dueExecution("a", testNow))
	store.claimErr = errors.New("database is locked")
	runner := newMockRunner(store)
	sched := New(DefaultConfig(), store, runner).WithClock(func() time.Time { return testNow })

	result, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Claimed)
	require.Equal(t, 0, runner.callCount("a"))
	require.Equal(t, 0, sched.Stats().InFlight)
}

func TestSweep_StaleClaimIsReclaimed(t *testing.T) {
	held := dueExecution("held", testNow)
	old := testNow.Add(-time.Hour)
	held.ClaimToken = "crashed-worker"
	held.ClaimedAt = &old

	fresh := dueExecution("fresh", testNow)
	recent := testNow.Add(-time.Minute)
	fresh.ClaimToken = "live-worker"
	fresh.ClaimedAt = &recent

	store := newMockStore(held, fresh)
	runner := newMockRunner(store)
	sched := New(Config{ClaimTTL: 10 * time.Minute}, store, runner).WithClock(func() time.Time { return testNow })

	_, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, runner.callCount("held"))
	require.Equal(t, 0, runner.callCount("fresh"))
}

func TestSweep_RespectsConcurrencyLimit(t *testing.T) {
	var execs []*models.Execution
	for i := 0; i < 6; i++ {
		execs = append(execs, dueExecution(fmt.Sprintf("e%d", i), testNow))
	}
	store := newMockStore(execs...)
	runner := newMockRunner(store)

	runner.started = make(chan string, len(execs))
	runner.block = make(chan struct{})

	sched := New(Config{MaxConcurrentDispatches: 2}, store, runner).WithClock(func() time.Time { return testNow })

	done := make(chan SweepResult, 1)
	go func() {
		result, _ := sched.Sweep(context.Background())
		done <- result
	}()

	for i := 0; i < len(execs); i++ {
		<-runner.started
		if got := sched.Stats().InFlight; got > 2 {
			t.Fatalf("expected at most 2 in flight, got %d", got)
		}
		runner.block <- struct{}{}
	}

	result := <-done
	require.Equal(t, 6, result.Dispatched)
}

func TestScheduler_LoopDispatchesOnWake(t *testing.T) {
	store := newMockStore()
	runner := newMockRunner(store)
	sched := New(Config{TickInterval: time.Hour}, store, runner).WithClock(func() time.Time { return testNow })

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	store.mu.Lock()
	store.execs["late"] = dueExecution("late", testNow)
	store.mu.Unlock()

	require.NoError(t, sched.ScheduleNow())

	select {
	case event := <-sched.DispatchEvents():
		require.Equal(t, "late", event.ExecutionID)
		require.True(t, event.Success)
		require.True(t, event.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch event")
	}
}

func TestScheduler_StopWaitsForInFlightDispatch(t *testing.T) {
	store := newMockStore(dueExecution("slow", testNow))
	runner := newMockRunner(store)
	runner.started = make(chan string, 1)
	runner.block = make(chan struct{})
	sched := New(Config{TickInterval: time.Hour}, store, runner).WithClock(func() time.Time { return testNow })

	require.NoError(t, sched.Start(context.Background()))
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		_ = sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancelling the dispatch context")
	}
	require.Equal(t, int64(1), sched.Stats().FailedDispatches)
}

// Two schedulers sweeping the same database must never dispatch an
// execution twice.
func TestSweep_ExclusiveAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(ctx))

	repo := db.NewExecutionRepository(database)
	contexts := adapters.NewStaticContextProvider()

	const executions = 20
	for i := 0; i < executions; i++ {
		leadID := fmt.Sprintf("lead-%d", i)
		contexts.PutLead(models.Lead{ID: leadID, Name: "Lead", Email: leadID + "@example.com"})
		exec := &models.Execution{
			LeadID:       leadID,
			SequenceID:   "welcome",
			Status:       models.ExecutionStatusActive,
			NextStepDate: testNow,
			Steps:        []models.Step{{ID: "welcome-1", Type: models.StepTypeTask, Content: "Call {{lead.name}}"}},
			Context:      models.ContextRefs{LeadID: leadID},
			CreatedAt:    testNow,
		}
		require.NoError(t, repo.Create(ctx, exec, nil))
	}

	tasks := &countingTasks{}
	collaborators := &adapters.Collaborators{Tasks: tasks, Contexts: contexts}
	clock := func() time.Time { return testNow }

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		exec := executor.New(executor.DefaultConfig(), repo, collaborators).WithClock(clock)
		sched := New(Config{MaxConcurrentDispatches: 4}, repo, exec).WithClock(clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.Sweep(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(executions), atomic.LoadInt64(&tasks.count))

	completed := models.ExecutionStatusCompleted
	done, err := repo.List(ctx, db.ExecutionQuery{Status: &completed})
	require.NoError(t, err)
	require.Len(t, done, executions)
}

type countingTasks struct {
	count int64
}

func (c *countingTasks) Create(ctx context.Context, description string, due adapters.DueContext) (string, error) {
	n := atomic.AddInt64(&c.count, 1)
	return fmt.Sprintf("task-%d", n), nil
}

// staleStore lists a copy read before another worker advanced the execution.
type staleStore struct {
	*mockStore
	listed []*models.Execution
}

func (s *staleStore) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Execution, error) {
	return s.listed, nil
}

func TestSweep_StaleListingIsNotClaimed(t *testing.T) {
	current := dueExecution("a", testNow)
	current.Steps = append(current.Steps, models.Step{ID: "s2", Type: models.StepTypeEmail, Content: "Again"})
	stale := *current
	current.CurrentStepIndex = 1

	store := &staleStore{mockStore: newMockStore(current), listed: []*models.Execution{&stale}}
	runner := newMockRunner(store.mockStore)
	sched := New(DefaultConfig(), store, runner).WithClock(func() time.Time { return testNow })

	result, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{Due: 1}, result)
	require.Equal(t, 0, runner.callCount("a"))
	require.Empty(t, current.ClaimToken)
}

func TestSweep_PausedExecutionNotDispatched(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(ctx))

	repo := db.NewExecutionRepository(database)
	contexts := adapters.NewStaticContextProvider()
	contexts.PutLead(models.Lead{ID: "lead-1", Name: "John Smith"})
	exec := &models.Execution{
		LeadID:       "lead-1",
		SequenceID:   "welcome",
		Status:       models.ExecutionStatusActive,
		NextStepDate: testNow.Add(-time.Hour),
		Steps:        []models.Step{{ID: "welcome-1", Type: models.StepTypeTask, Content: "Call {{lead.name}}"}},
		Context:      models.ContextRefs{LeadID: "lead-1"},
		CreatedAt:    testNow,
	}
	require.NoError(t, repo.Create(ctx, exec, nil))
	_, err = repo.Transition(ctx, exec.ID, models.SourcesFor(models.ExecutionStatusPaused), models.ExecutionStatusPaused, testNow, nil)
	require.NoError(t, err)

	tasks := &countingTasks{}
	clock := func() time.Time { return testNow }
	runner := executor.New(executor.DefaultConfig(), repo, &adapters.Collaborators{Tasks: tasks, Contexts: contexts}).WithClock(clock)
	sched := New(DefaultConfig(), repo, runner).WithClock(clock)

	result, err := sched.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, result)
	require.Zero(t, atomic.LoadInt64(&tasks.count))

	stored, err := repo.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPaused, stored.Status)
	require.Equal(t, 0, stored.CurrentStepIndex)
}
