// Package scheduler provides the step scheduler that sweeps due executions
// and hands them to the executor.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/executor"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
)

// Store is the persistence the scheduler claims work from.
type Store interface {
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Execution, error)
	Claim(ctx context.Context, id, token string, stepIndex int, now, staleBefore time.Time) (bool, error)
}

// StepRunner executes one claimed step.
type StepRunner interface {
	ExecuteDueStep(ctx context.Context, exec *models.Execution, token string) (*executor.Outcome, error)
}

// Config contains scheduler configuration.
type Config struct {
	// TickInterval is how often the scheduler sweeps for due steps.
	// Default: 15 seconds.
	TickInterval time.Duration

	// DispatchTimeout is the maximum time allowed for a single dispatch.
	// Default: 30 seconds.
	DispatchTimeout time.Duration

	// MaxConcurrentDispatches limits how many dispatches can happen at once.
	// Default: 10.
	MaxConcurrentDispatches int

	// ClaimTTL is the age after which a claim is treated as abandoned and
	// the execution may be claimed again. Zero disables reclaiming.
	// Default: 10 minutes.
	ClaimTTL time.Duration

	// BatchSize caps how many due executions one sweep lists.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:            15 * time.Second,
		DispatchTimeout:         30 * time.Second,
		MaxConcurrentDispatches: 10,
		ClaimTTL:                10 * time.Minute,
		BatchSize:               100,
	}
}

// DispatchEvent represents a step the scheduler handed to the executor.
type DispatchEvent struct {
	ExecutionID string          `json:"execution_id"`
	LeadID      string          `json:"lead_id"`
	StepIndex   int             `json:"step_index"`
	StepType    models.StepType `json:"step_type"`

	// Success indicates the collaborator accepted the step and the outcome
	// was recorded.
	Success     bool   `json:"success"`
	DeliveryRef string `json:"delivery_ref,omitempty"`
	Completed   bool   `json:"completed"`

	// Error contains error details if dispatch failed.
	Error string `json:"error,omitempty"`

	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Due        int `json:"due"`
	Claimed    int `json:"claimed"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// SchedulerStats contains scheduler statistics.
type SchedulerStats struct {
	Running   bool       `json:"running"`
	Paused    bool       `json:"paused"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	Sweeps      int64      `json:"sweeps"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`

	TotalDispatches      int64      `json:"total_dispatches"`
	SuccessfulDispatches int64      `json:"successful_dispatches"`
	FailedDispatches     int64      `json:"failed_dispatches"`
	LastDispatchAt       *time.Time `json:"last_dispatch_at,omitempty"`

	// InFlight is the number of dispatches currently running.
	InFlight int `json:"in_flight"`
}

// Scheduler claims due executions and dispatches them concurrently.
type Scheduler struct {
	config Config
	store  Store
	runner StepRunner
	logger zerolog.Logger
	now    func() time.Time

	// Runtime state
	mu          sync.RWMutex
	running     bool
	paused      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	dispatchSem chan struct{}
	wake        chan struct{}

	// Stats
	stats      SchedulerStats
	statsMu    sync.RWMutex
	dispatchCh chan DispatchEvent
}

// New creates a new Scheduler.
func New(config Config, store Store, runner StepRunner) *Scheduler {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.MaxConcurrentDispatches <= 0 {
		config.MaxConcurrentDispatches = defaults.MaxConcurrentDispatches
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ClaimTTL < 0 {
		config.ClaimTTL = 0
	}

	return &Scheduler{
		config:      config,
		store:       store,
		runner:      runner,
		logger:      logging.Component("scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
		dispatchSem: make(chan struct{}, config.MaxConcurrentDispatches),
		wake:        make(chan struct{}, 1),
		dispatchCh:  make(chan DispatchEvent, 100),
	}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start begins the scheduler's background sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.paused = false

	now := s.now()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.Paused = false
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Int("max_concurrent", s.config.MaxConcurrentDispatches).
		Dur("claim_ttl", s.config.ClaimTTL).
		Msg("scheduler starting")

	s.wg.Add(1)
	go s.runLoop()

	// Pick up whatever became due while the daemon was down.
	s.signal()
	return nil
}

// Stop halts the scheduler and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}

	s.logger.Info().Msg("scheduler stopping")
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil && !errors.Is(err, ErrSchedulerNotRunning) {
		return err
	}
	return nil
}

// ScheduleNow triggers a sweep without waiting for the next tick.
func (s *Scheduler) ScheduleNow() error {
	s.mu.RLock()
	running := s.running
	paused := s.paused
	s.mu.RUnlock()

	if !running || paused {
		return ErrSchedulerNotRunning
	}
	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
		s.logger.Debug().Msg("immediate sweep triggered")
	default:
		// A sweep is already pending.
	}
}

// Pause temporarily suspends sweeping without stopping the scheduler.
// In-flight dispatches are not interrupted.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if s.paused {
		return nil
	}

	s.paused = true
	s.statsMu.Lock()
	s.stats.Paused = true
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler paused")
	return nil
}

// Resume resumes a paused scheduler.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if !s.paused {
		return nil
	}

	s.paused = false
	s.statsMu.Lock()
	s.stats.Paused = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler resumed")
	s.signal()
	return nil
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	stats := s.stats
	stats.InFlight = len(s.dispatchSem)
	return stats
}

// DispatchEvents returns the channel of dispatch events.
// Events are dropped when nobody reads the channel.
func (s *Scheduler) DispatchEvents() <-chan DispatchEvent {
	return s.dispatchCh
}

// Sweep claims every due execution and dispatches it, waiting for all
// dispatches it started to finish. It works whether or not the background
// loop is running.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result SweepResult

	due, err := s.sweep(ctx, true, func(exec *models.Execution, token string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.dispatchSem }()
			ok := s.dispatch(ctx, exec, token)
			mu.Lock()
			defer mu.Unlock()
			result.Claimed++
			if ok {
				result.Dispatched++
			} else {
				result.Failed++
			}
		}()
	})
	wg.Wait()
	result.Due = due
	return result, err
}

// runLoop is the main scheduling loop.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}

		s.mu.RLock()
		paused := s.paused
		s.mu.RUnlock()
		if paused {
			continue
		}
		s.tick()
	}
}

// tick performs one background sweep. Dispatches run in goroutines tracked
// by the scheduler's wait group.
func (s *Scheduler) tick() {
	_, err := s.sweep(s.ctx, false, func(exec *models.Execution, token string) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.dispatchSem }()
			s.dispatch(s.ctx, exec, token)
		}()
	})
	if err != nil && s.ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}
}

// sweep lists due executions and claims them one at a time. A dispatch slot
// is reserved before each claim so that nothing is claimed without a
// goroutine to run it; spawn must release the slot. When wait is false and
// every slot is busy the sweep stops early and the rest waits for the next
// tick.
func (s *Scheduler) sweep(ctx context.Context, wait bool, spawn func(*models.Execution, string)) (int, error) {
	if s.store == nil || s.runner == nil {
		return 0, nil
	}
	now := s.now()
	staleBefore := s.staleBefore(now)

	due, err := s.store.ListDue(ctx, now, staleBefore, s.config.BatchSize)

	s.statsMu.Lock()
	s.stats.Sweeps++
	s.stats.LastSweepAt = &now
	s.statsMu.Unlock()

	if err != nil {
		return 0, err
	}
	if len(due) > 0 {
		s.logger.Debug().Int("due", len(due)).Msg("sweeping due executions")
	}

	for _, exec := range due {
		if !s.acquire(ctx, wait) {
			break
		}

		token := uuid.New().String()
		ok, err := s.store.Claim(ctx, exec.ID, token, exec.CurrentStepIndex, now, staleBefore)
		if err != nil {
			<-s.dispatchSem
			s.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("failed to claim execution")
			continue
		}
		if !ok {
			// Another worker won or advanced it, or it was paused or cancelled.
			<-s.dispatchSem
			continue
		}
		spawn(exec, token)
	}
	return len(due), ctx.Err()
}

func (s *Scheduler) acquire(ctx context.Context, wait bool) bool {
	if !wait {
		select {
		case s.dispatchSem <- struct{}{}:
			return true
		default:
			return false
		}
	}
	select {
	case s.dispatchSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) staleBefore(now time.Time) time.Time {
	if s.config.ClaimTTL <= 0 {
		return time.Time{}
	}
	return now.Add(-s.config.ClaimTTL)
}

// dispatch runs one claimed step and reports whether it was delivered.
func (s *Scheduler) dispatch(parent context.Context, exec *models.Execution, token string) bool {
	ctx, cancel := context.WithTimeout(parent, s.config.DispatchTimeout)
	defer cancel()

	start := time.Now()
	event := DispatchEvent{
		ExecutionID: exec.ID,
		LeadID:      exec.LeadID,
		StepIndex:   exec.CurrentStepIndex,
		Timestamp:   s.now(),
	}
	if step, err := exec.CurrentStep(); err == nil {
		event.StepType = step.Type
	}

	outcome, err := s.runner.ExecuteDueStep(ctx, exec, token)
	switch {
	case err != nil:
		event.Error = err.Error()
		s.logger.Error().
			Err(err).
			Str("execution_id", exec.ID).
			Int("step_index", exec.CurrentStepIndex).
			Msg("step execution failed")
	case outcome.DispatchErr != nil:
		event.Error = outcome.DispatchErr.Error()
	default:
		event.Success = true
		event.DeliveryRef = outcome.DeliveryRef
		event.Completed = outcome.Completed
	}

	event.Duration = time.Since(start)
	s.recordDispatch(event)
	return event.Success
}

// recordDispatch records a dispatch event in stats.
func (s *Scheduler) recordDispatch(event DispatchEvent) {
	s.statsMu.Lock()
	s.stats.TotalDispatches++
	if event.Success {
		s.stats.SuccessfulDispatches++
	} else {
		s.stats.FailedDispatches++
	}
	at := event.Timestamp
	s.stats.LastDispatchAt = &at
	s.statsMu.Unlock()

	select {
	case s.dispatchCh <- event:
	default:
	}
}
