// Package scheduler fires recurring submission rules. Each tick claims the
// due schedules, advances next_run with an optimistic predicate so that one
// replica fires each rule exactly once, and submits a job per fired rule.
// Missed fires collapse into a single submission with next_run recomputed
// from the current time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/botfleet/internal/domain"
	"github.com/rezkam/botfleet/internal/schedule"
)

// Store is the persistence surface the engine needs.
type Store interface {
	// ListDue returns enabled schedules whose next_run is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
	// AdvanceNextRun moves next_run from its observed value to the new one,
	// stamping last_run and incrementing run_count. It returns false when the
	// row no longer matches, meaning another replica fired this schedule. A
	// nil next value disables the schedule (ONCE after firing).
	AdvanceNextRun(ctx context.Context, scheduleID string, from time.Time, to *time.Time, firedAt time.Time) (bool, error)
	// RecordExecution appends a history entry.
	RecordExecution(ctx context.Context, exec *domain.ScheduleExecution) error
	// PurgeHistory deletes history entries older than the cutoff.
	PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error)
	// IncrementFailure bumps the schedule's failure counter.
	IncrementFailure(ctx context.Context, scheduleID string) error
	// CountActiveJobs counts the schedule's non-terminal jobs.
	CountActiveJobs(ctx context.Context, scheduleID string) (int, error)
}

// Submitter turns a fired schedule into a queued job.
type Submitter interface {
	SubmitScheduled(ctx context.Context, s *domain.Schedule) (jobID string, err error)
}

// Leaser serializes ticks across replicas. Nil disables leasing and every
// replica ticks; correctness then rests on the AdvanceNextRun predicate
// alone.
type Leaser interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Metrics receives schedule engine counts.
type Metrics interface {
	ScheduleFired(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ScheduleFired(string) {}

const tickLease = "schedule-tick"

// Execution outcomes recorded in history.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
	OutcomeCompleted = "completed"
)

// Config controls the engine.
type Config struct {
	TickInterval time.Duration
	// BatchSize bounds the schedules fired per tick.
	BatchSize int
	// MaxConcurrentExecutions bounds a schedule's simultaneously active jobs;
	// zero means unlimited. Fires over the cap still submit and wait their
	// turn in the ordinary job queue.
	MaxConcurrentExecutions int
	HistoryRetention        time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 30 * 24 * time.Hour
	}
}

// Engine runs the schedule tick loop.
type Engine struct {
	store     Store
	submitter Submitter
	leaser    Leaser
	cfg       Config
	logger    *slog.Logger
	sink      domain.EventSink
	metrics   Metrics
	holderID  string

	runMu     sync.Mutex
	lastPurge time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventSink sets the sink for schedule.fired events.
func WithEventSink(sink domain.EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLeaser enables the cross-replica tick lease.
func WithLeaser(l Leaser) Option {
	return func(e *Engine) { e.leaser = l }
}

// WithMetrics sets the engine metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds a schedule engine.
func New(store Store, submitter Submitter, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    slog.Default(),
		sink:      domain.NopEventSink{},
		metrics:   nopMetrics{},
		holderID:  uuid.Must(uuid.NewV7()).String(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run ticks on the configured interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.InfoContext(ctx, "schedule engine started",
		"tick_interval", e.cfg.TickInterval, "holder_id", e.holderID)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "schedule engine stopped")
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.ErrorContext(ctx, "schedule tick failed", "error", err)
			}
		}
	}
}

// Tick fires all due schedules once and returns the number submitted.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.leaser != nil {
		ttl := 2 * e.cfg.TickInterval
		if ttl < 10*time.Second {
			ttl = 10 * time.Second
		}
		ok, err := e.leaser.TryAcquire(ctx, tickLease, e.holderID, ttl)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire tick lease: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := e.leaser.Release(ctx, tickLease, e.holderID); err != nil {
				e.logger.WarnContext(ctx, "failed to release tick lease", "error", err)
			}
		}()
	}

	now := time.Now().UTC()
	due, err := e.store.ListDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	fired := 0
	for _, s := range due {
		submitted, err := e.fire(ctx, s, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "schedule fire failed",
				"schedule_id", s.ID, "schedule", s.Name, "error", err)
			continue
		}
		if submitted {
			fired++
		}
	}

	e.maybePurgeHistory(ctx, now)
	return fired, nil
}

// fire submits one job for a due schedule. The next_run advance acts as the
// claim: losing the predicate race means another replica owns this fire.
func (e *Engine) fire(ctx context.Context, s *domain.Schedule, now time.Time) (bool, error) {
	if s.NextRun == nil {
		return false, nil
	}

	next, err := schedule.NextRun(now, s)
	if err != nil {
		return false, fmt.Errorf("failed to compute next run: %w", err)
	}

	claimed, err := e.store.AdvanceNextRun(ctx, s.ID, *s.NextRun, next, now)
	if err != nil {
		return false, fmt.Errorf("failed to advance next run: %w", err)
	}
	if !claimed {
		return false, nil
	}

	if e.cfg.MaxConcurrentExecutions > 0 {
		active, err := e.store.CountActiveJobs(ctx, s.ID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to count active jobs",
				"schedule_id", s.ID, "error", err)
		} else if active >= e.cfg.MaxConcurrentExecutions {
			// The submission still happens; it waits in the ordinary job
			// queue behind the schedule's active executions.
			e.logger.WarnContext(ctx, "schedule over concurrency cap, fire queued",
				"schedule_id", s.ID, "schedule", s.Name, "active", active,
				"cap", e.cfg.MaxConcurrentExecutions)
		}
	}

	jobID, err := e.submitter.SubmitScheduled(ctx, s)
	if err != nil {
		e.metrics.ScheduleFired(OutcomeFailed)
		if ferr := e.store.IncrementFailure(ctx, s.ID); ferr != nil {
			e.logger.WarnContext(ctx, "failed to record schedule failure",
				"schedule_id", s.ID, "error", ferr)
		}
		e.recordExecution(ctx, s.ID, "", OutcomeFailed, err.Error(), now)
		return false, fmt.Errorf("failed to submit job: %w", err)
	}

	e.metrics.ScheduleFired(OutcomeSubmitted)
	e.recordExecution(ctx, s.ID, jobID, OutcomeSubmitted, "", now)
	e.sink.Publish(domain.Event{
		Type:       domain.EventScheduleFired,
		At:         now,
		JobID:      jobID,
		ScheduleID: s.ID,
	})
	e.logger.InfoContext(ctx, "schedule fired",
		"schedule_id", s.ID, "schedule", s.Name, "job_id", jobID, "next_run", next)
	return true, nil
}

func (e *Engine) recordExecution(ctx context.Context, scheduleID, jobID, outcome, errMsg string, at time.Time) {
	exec := &domain.ScheduleExecution{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ScheduleID: scheduleID,
		JobID:      jobID,
		StartedAt:  at,
		Outcome:    outcome,
		Error:      errMsg,
	}
	if err := e.store.RecordExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "failed to record schedule execution",
			"schedule_id", scheduleID, "error", err)
	}
}

// maybePurgeHistory trims old execution history at most once per hour.
func (e *Engine) maybePurgeHistory(ctx context.Context, now time.Time) {
	if now.Sub(e.lastPurge) < time.Hour {
		return
	}
	e.lastPurge = now

	deleted, err := e.store.PurgeHistory(ctx, now.Add(-e.cfg.HistoryRetention))
	if err != nil {
		e.logger.WarnContext(ctx, "history purge failed", "error", err)
		return
	}
	if deleted > 0 {
		e.logger.InfoContext(ctx, "purged schedule execution history", "deleted", deleted)
	}
}
