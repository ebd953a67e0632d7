// Package engine assembles the follow-up components into one runnable unit
// shared by the HTTP API, the gRPC service and the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/homelistingai/followup/internal/adapters"
	"github.com/homelistingai/followup/internal/config"
	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/enrollment"
	"github.com/homelistingai/followup/internal/executor"
	"github.com/homelistingai/followup/internal/history"
	"github.com/homelistingai/followup/internal/lifecycle"
	"github.com/homelistingai/followup/internal/logging"
	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/policy"
	"github.com/homelistingai/followup/internal/scheduler"
	"github.com/homelistingai/followup/internal/sequences"
	"github.com/homelistingai/followup/internal/trigger"
)

// ErrSequenceNotFound is returned when enrolling into an unknown sequence.
var ErrSequenceNotFound = db.ErrSequenceNotFound

// Engine owns the store and every component built on it.
type Engine struct {
	cfg    *config.Config
	db     *db.DB
	logger zerolog.Logger

	executions *db.ExecutionRepository
	catalog    *db.SequenceRepository
	history    *history.Recorder

	collaborators *adapters.Collaborators
	policy        *policy.Engine
	executor      *executor.Executor
	scheduler     *scheduler.Scheduler
	enrollment    *enrollment.Manager
	router        *trigger.Router
	lifecycle     *lifecycle.Controller
}

// Options override parts of the configured wiring. Zero values use cfg.
type Options struct {
	// DB is used instead of opening cfg.Database.
	DB *db.DB

	// Collaborators replaces the configured delivery services.
	Collaborators *adapters.Collaborators

	// Now replaces the wall clock in every component.
	Now func() time.Time
}

// Open migrates the database, loads the enrollment policy, builds the
// collaborators and (if configured) syncs the sequence catalog.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := logging.Component("engine")

	database := opts.DB
	if database == nil {
		var err error
		database, err = db.Open(db.Config{
			Path:          cfg.Database.Path,
			BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
			MaxOpenConns:  cfg.Database.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{cfg: cfg, db: database, logger: logger}
	if err := e.init(ctx, opts); err != nil {
		if opts.DB == nil {
			database.Close()
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context, opts Options) error {
	if err := e.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	e.executions = db.NewExecutionRepository(e.db)
	e.catalog = db.NewSequenceRepository(e.db)
	e.history = history.NewRecorder(db.NewHistoryRepository(e.db))

	pol, err := policy.Load(ctx, e.cfg.Policy.File)
	if err != nil {
		return err
	}
	e.policy = pol

	e.collaborators = opts.Collaborators
	if e.collaborators == nil {
		e.collaborators, err = adapters.FromConfig(e.cfg.Collaborators, logging.Component("collaborators"))
		if err != nil {
			return fmt.Errorf("build collaborators: %w", err)
		}
	}

	execCfg := executor.DefaultConfig()
	if e.cfg.Scheduler.RetryBackoff > 0 {
		execCfg.RetryBackoff = e.cfg.Scheduler.RetryBackoff
	}
	if e.cfg.Collaborators.UnsubscribeURL != "" {
		execCfg.UnsubscribeURL = e.cfg.Collaborators.UnsubscribeURL
	}
	e.executor = executor.New(execCfg, e.executions, e.collaborators)

	e.scheduler = scheduler.New(scheduler.Config{
		TickInterval:            e.cfg.Scheduler.TickInterval,
		DispatchTimeout:         e.cfg.Scheduler.DispatchTimeout,
		MaxConcurrentDispatches: e.cfg.Scheduler.MaxConcurrentDispatches,
		ClaimTTL:                e.cfg.Scheduler.ClaimTTL,
		BatchSize:               e.cfg.Scheduler.BatchSize,
	}, e.executions, e.executor)

	e.enrollment = enrollment.New(e.executions, e.scheduler)
	e.router = trigger.New(e.catalog, e.enrollment, e.policy)
	e.lifecycle = lifecycle.New(e.executions, e.scheduler)

	if opts.Now != nil {
		e.history.WithClock(opts.Now)
		e.executor.WithClock(opts.Now)
		e.scheduler.WithClock(opts.Now)
		e.enrollment.WithClock(opts.Now)
		e.lifecycle.WithClock(opts.Now)
	}

	if e.cfg.Sequences.SyncOnStart {
		if _, err := e.SyncSequences(ctx); err != nil {
			return err
		}
	}

	e.logger.Info().
		Str("database", e.db.Path()).
		Str("policy", e.policy.Source()).
		Str("collaborators", e.collaborators.Describe()).
		Msg("engine ready")
	return nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Scheduler returns the step scheduler. It is not started by Open.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// LoadSequences reads sequence definitions from the configured directory
// and search paths, optionally including the builtin templates.
func (e *Engine) LoadSequences() ([]*models.Sequence, error) {
	return sequences.LoadSequencesFromSearchPaths(sequences.LoadOptions{
		Dir:          e.cfg.Sequences.Dir,
		LoadBuiltins: e.cfg.Sequences.LoadBuiltins,
	})
}

// SyncSequences writes the loaded sequence definitions into the catalog.
func (e *Engine) SyncSequences(ctx context.Context) (int, error) {
	loaded, err := e.LoadSequences()
	if err != nil {
		return 0, fmt.Errorf("load sequences: %w", err)
	}
	for _, seq := range loaded {
		for _, issue := range sequences.Lint(seq) {
			e.logger.Warn().
				Str("sequence_id", issue.SequenceID).
				Str("step_id", issue.StepID).
				Str("field", issue.Field).
				Str("token", issue.Token).
				Msg("template token will not render")
		}
	}
	n, err := sequences.Sync(ctx, e.catalog, loaded)
	if err != nil {
		return n, err
	}
	e.logger.Info().Int("count", n).Msg("sequence catalog synced")
	return n, nil
}

// ListSequences returns the catalog ordered by name.
func (e *Engine) ListSequences(ctx context.Context, activeOnly bool) ([]*models.Sequence, error) {
	return e.catalog.List(ctx, db.SequenceQuery{ActiveOnly: activeOnly})
}

// Route enrolls the event's lead into every matching active sequence.
func (e *Engine) Route(ctx context.Context, event models.TriggerEvent) (*trigger.Result, error) {
	return e.router.Route(ctx, event)
}

// EnrollInSequence enrolls a lead into one sequence by id, bypassing trigger
// matching and policy.
func (e *Engine) EnrollInSequence(ctx context.Context, sequenceID string, refs models.ContextRefs) (*enrollment.Result, error) {
	seq, err := e.catalog.Get(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	return e.enrollment.Enroll(ctx, refs.LeadID, seq, refs)
}

// GetExecution returns an execution, with its history when withHistory is set.
func (e *Engine) GetExecution(ctx context.Context, id string, withHistory bool) (*models.Execution, error) {
	exec, err := e.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if withHistory {
		exec.History, err = e.history.GetHistory(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return exec, nil
}

// ListExecutions returns executions matching q, newest first.
func (e *Engine) ListExecutions(ctx context.Context, q db.ExecutionQuery) ([]*models.Execution, error) {
	return e.executions.List(ctx, q)
}

// ListLeadExecutions returns every execution of a lead, newest first.
func (e *Engine) ListLeadExecutions(ctx context.Context, leadID string) ([]*models.Execution, error) {
	return e.executions.ListByLead(ctx, leadID)
}

// GetHistory returns the audit trail of an existing execution, oldest first.
func (e *Engine) GetHistory(ctx context.Context, executionID string) ([]*models.HistoryEvent, error) {
	if _, err := e.executions.Get(ctx, executionID); err != nil {
		return nil, err
	}
	return e.history.GetHistory(ctx, executionID)
}

// Pause stops an active execution.
func (e *Engine) Pause(ctx context.Context, id, reason string) (*models.Execution, error) {
	return e.lifecycle.Pause(ctx, id, reason)
}

// Resume reactivates a paused execution.
func (e *Engine) Resume(ctx context.Context, id, reason string) (*models.Execution, error) {
	return e.lifecycle.Resume(ctx, id, reason)
}

// Cancel ends an active or paused execution.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*models.Execution, error) {
	return e.lifecycle.Cancel(ctx, id, reason)
}

// Sweep dispatches every due step once and waits for the dispatches.
func (e *Engine) Sweep(ctx context.Context) (scheduler.SweepResult, error) {
	return e.scheduler.Sweep(ctx)
}

// Stats reports scheduler counters.
func (e *Engine) Stats() scheduler.SchedulerStats {
	return e.scheduler.Stats()
}
