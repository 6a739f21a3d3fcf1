// Package recovery detects failed robots and puts their in-flight jobs back
// on a healthy path. A robot that misses its heartbeat window is marked
// failed and each of its claimed or running jobs is resumed from checkpoint,
// requeued with backoff, or moved to the dead letter queue. The same per-job
// logic also covers jobs that exceed the running-time limit.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/botfleet/internal/domain"
)

// Outcome classifies how one job was recovered.
type Outcome string

const (
	OutcomeResumedFromCheckpoint Outcome = "RESUMED_FROM_CHECKPOINT"
	OutcomeRequeuedForRetry      Outcome = "REQUEUED_FOR_RETRY"
	OutcomeMovedToDLQ            Outcome = "MOVED_TO_DLQ"
	// OutcomeAlreadyRecovered means the job row moved before this pass got to
	// it, usually because another replica recovered it first.
	OutcomeAlreadyRecovered Outcome = "ALREADY_RECOVERED"
	OutcomeRecoveryFailed   Outcome = "RECOVERY_FAILED"
)

// JobRecovery reports what happened to one job during a recovery pass.
type JobRecovery struct {
	JobID   string
	Outcome Outcome
	Delay   time.Duration
	Err     error
}

// Queue is the subset of queue operations recovery needs.
type Queue interface {
	// ListByRobot returns the robot's jobs in the given states.
	ListByRobot(ctx context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error)
	// ListRunningSince returns running jobs whose execution started before the
	// given instant.
	ListRunningSince(ctx context.Context, startedBefore time.Time) ([]*domain.Job, error)
	// ListExpiredClaims returns claimed jobs older than the visibility
	// timeout held by anyone other than excludeHolder.
	ListExpiredClaims(ctx context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error)
	// Release returns a job to pending without touching its retry budget.
	Release(ctx context.Context, jobID string, delay time.Duration) error
	// RequeueForRetry returns a job to pending with retry_count incremented
	// and the cause appended to its retry history; it fails the precondition
	// when the budget is already spent.
	RequeueForRetry(ctx context.Context, jobID string, delay time.Duration, cause string) error
	PromoteToDLQ(ctx context.Context, jobID, reason string) error
	// ReleaseExpiredClaims returns the holder's claimed jobs older than the
	// visibility timeout to pending.
	ReleaseExpiredClaims(ctx context.Context, holder string, timeout time.Duration) (int64, error)
	// Retry re-enqueues a terminal failed or cancelled job with a fresh
	// retry budget.
	Retry(ctx context.Context, jobID string) error
	// Cancel transitions any non-terminal job to cancelled.
	Cancel(ctx context.Context, jobID string) error
	// Complete transitions a claimed or running job to completed.
	Complete(ctx context.Context, jobID string) error
}

// Registry is the subset of robot registry operations recovery needs.
type Registry interface {
	// ListStale returns online or busy robots whose heartbeat is older than
	// the timeout.
	ListStale(ctx context.Context) ([]*domain.Robot, error)
	// MarkFailed sets the robot failed and zeroes its load counter.
	MarkFailed(ctx context.Context, robotID string) error
}

// Checkpoints reads execution checkpoints written by robots.
type Checkpoints interface {
	Get(ctx context.Context, jobID string) (*domain.Checkpoint, error)
}

// Escalations is the subset of escalation operations recovery needs. A nil
// store disables the timeout sweep.
type Escalations interface {
	ListPending(ctx context.Context) ([]*domain.Escalation, error)
	// Expire settles an unanswered escalation, recording the applied default
	// action; it fails the precondition when already settled.
	Expire(ctx context.Context, id, action string) error
}

// Metrics receives recovery outcome counts.
type Metrics interface {
	RobotMarkedFailed()
	JobRecovered(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RobotMarkedFailed()   {}
func (nopMetrics) JobRecovered(string) {}

// Config controls the recovery loop.
type Config struct {
	// ClaimantID is the orchestrator's own queue identity. Expired claims it
	// holds are handoffs that never happened and are released wholesale;
	// expired claims held by robots go through per-job recovery.
	ClaimantID         string
	MonitorInterval    time.Duration
	JobTimeout         time.Duration
	VisibilityTimeout  time.Duration
	CheckpointRecovery bool
	// RequeueDelay is the visibility delay on a checkpoint resume.
	RequeueDelay time.Duration
	Backoff      []time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClaimantID == "" {
		c.ClaimantID = "orchestrator"
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Hour
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 10 * time.Second
	}
	if len(c.Backoff) == 0 {
		c.Backoff = domain.DefaultBackoffSchedule
	}
}

// Manager runs failure detection and job recovery.
type Manager struct {
	queue       Queue
	registry    Registry
	checkpoints Checkpoints
	escalations Escalations
	cfg         Config
	logger      *slog.Logger
	sink        domain.EventSink
	metrics     Metrics

	runMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventSink sets the sink for recovery events.
func WithEventSink(sink domain.EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithMetrics sets the recovery metrics receiver.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New builds a recovery manager. A nil escalations store disables the
// escalation timeout sweep.
func New(queue Queue, registry Registry, checkpoints Checkpoints, escalations Escalations, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		queue:       queue,
		registry:    registry,
		checkpoints: checkpoints,
		escalations: escalations,
		cfg:         cfg,
		logger:      slog.Default(),
		sink:        domain.NopEventSink{},
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes recovery passes on the configured interval until the context
// is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.InfoContext(ctx, "recovery manager started",
		"interval", m.cfg.MonitorInterval, "job_timeout", m.cfg.JobTimeout,
		"checkpoint_recovery", m.cfg.CheckpointRecovery)

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "recovery manager stopped")
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.ErrorContext(ctx, "recovery pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one recovery pass: stuck handoffs, expired robot claims,
// the stale robot scan, the running-job timeout sweep, and unanswered
// escalations. Concurrent calls serialize.
func (m *Manager) RunOnce(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	// Claims still held by this orchestrator after the visibility timeout are
	// handoffs that never happened; releasing them wholesale costs no retry.
	released, err := m.queue.ReleaseExpiredClaims(ctx, m.cfg.ClaimantID, m.cfg.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("failed to release expired claims: %w", err)
	}
	if released > 0 {
		m.logger.InfoContext(ctx, "released stuck handoffs", "count", released)
	}

	// A claim expired on a robot means the robot took the job and went quiet
	// before starting it. That is a failure, not a free release: the job goes
	// through checkpoint resume, retry with backoff, or the dead letter queue.
	expired, err := m.queue.ListExpiredClaims(ctx, m.cfg.ClaimantID, m.cfg.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("failed to list expired robot claims: %w", err)
	}
	for _, job := range expired {
		r := m.recoverJob(ctx, job, "visibility timeout")
		m.metrics.JobRecovered(string(r.Outcome))
	}

	stale, err := m.registry.ListStale(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stale robots: %w", err)
	}
	for _, robot := range stale {
		if _, err := m.recoverRobot(ctx, robot.ID, "heartbeat timeout"); err != nil {
			m.logger.ErrorContext(ctx, "robot recovery failed",
				"robot_id", robot.ID, "error", err)
		}
	}

	if err := m.sweepTimedOut(ctx); err != nil {
		return err
	}
	return m.sweepEscalations(ctx)
}

// RecoverRobot marks the robot failed and recovers each of its in-flight
// jobs. It is the entry point for manual recovery requests.
func (m *Manager) RecoverRobot(ctx context.Context, robotID, reason string) ([]JobRecovery, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.recoverRobot(ctx, robotID, reason)
}

func (m *Manager) recoverRobot(ctx context.Context, robotID, reason string) ([]JobRecovery, error) {
	// Mark failed before touching jobs so the dispatcher stops targeting the
	// robot mid-recovery.
	if err := m.registry.MarkFailed(ctx, robotID); err != nil {
		return nil, fmt.Errorf("failed to mark robot %s failed: %w", robotID, err)
	}
	m.metrics.RobotMarkedFailed()
	m.sink.Publish(domain.Event{
		Type:    domain.EventRobotStatus,
		At:      time.Now().UTC(),
		RobotID: robotID,
		Detail:  reason,
	})
	m.logger.WarnContext(ctx, "robot marked failed", "robot_id", robotID, "reason", reason)

	jobs, err := m.queue.ListByRobot(ctx, robotID,
		[]domain.JobStatus{domain.JobStatusClaimed, domain.JobStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of robot %s: %w", robotID, err)
	}

	results := make([]JobRecovery, 0, len(jobs))
	for _, job := range jobs {
		r := m.recoverJob(ctx, job, reason)
		results = append(results, r)
		m.metrics.JobRecovered(string(r.Outcome))
	}
	return results, nil
}

// recoverJob puts one orphaned job back on a healthy path. Precondition
// failures mean another actor already moved the row; that is success, not an
// error, which keeps concurrent recovery passes idempotent.
func (m *Manager) recoverJob(ctx context.Context, job *domain.Job, reason string) JobRecovery {
	if m.cfg.CheckpointRecovery {
		cp, err := m.checkpoints.Get(ctx, job.ID)
		switch {
		case err == nil && cp.Resumable():
			if err := m.queue.Release(ctx, job.ID, m.cfg.RequeueDelay); err != nil {
				return m.recoveryError(ctx, job.ID, err)
			}
			m.publishRecovered(job.ID, string(OutcomeResumedFromCheckpoint))
			m.logger.InfoContext(ctx, "job resumed from checkpoint",
				"job_id", job.ID, "step", cp.CurrentStep, "reason", reason)
			return JobRecovery{JobID: job.ID, Outcome: OutcomeResumedFromCheckpoint, Delay: m.cfg.RequeueDelay}
		case err != nil && !errors.Is(err, domain.ErrCheckpointNotFound):
			m.logger.WarnContext(ctx, "checkpoint lookup failed, falling back to retry",
				"job_id", job.ID, "error", err)
		}
	}

	if job.RetryCount < job.MaxRetries {
		delay := domain.BackoffDelay(m.cfg.Backoff, job.RetryCount)
		if err := m.queue.RequeueForRetry(ctx, job.ID, delay, reason); err != nil {
			return m.recoveryError(ctx, job.ID, err)
		}
		m.publishRecovered(job.ID, string(OutcomeRequeuedForRetry))
		m.logger.InfoContext(ctx, "job requeued for retry",
			"job_id", job.ID, "retry_count", job.RetryCount+1, "delay", delay, "reason", reason)
		return JobRecovery{JobID: job.ID, Outcome: OutcomeRequeuedForRetry, Delay: delay}
	}

	if err := m.queue.PromoteToDLQ(ctx, job.ID, reason); err != nil {
		return m.recoveryError(ctx, job.ID, err)
	}
	m.sink.Publish(domain.Event{
		Type:   domain.EventJobDeadLettered,
		At:     time.Now().UTC(),
		JobID:  job.ID,
		Detail: reason,
	})
	m.logger.WarnContext(ctx, "job moved to dead letter queue",
		"job_id", job.ID, "retry_count", job.RetryCount, "reason", reason)
	return JobRecovery{JobID: job.ID, Outcome: OutcomeMovedToDLQ}
}

func (m *Manager) recoveryError(ctx context.Context, jobID string, err error) JobRecovery {
	if errors.Is(err, domain.ErrPreconditionFailed) || errors.Is(err, domain.ErrNotFound) {
		return JobRecovery{JobID: jobID, Outcome: OutcomeAlreadyRecovered}
	}
	m.logger.ErrorContext(ctx, "job recovery failed", "job_id", jobID, "error", err)
	return JobRecovery{JobID: jobID, Outcome: OutcomeRecoveryFailed, Err: err}
}

func (m *Manager) publishRecovered(jobID, detail string) {
	m.sink.Publish(domain.Event{
		Type:   domain.EventJobRecovered,
		At:     time.Now().UTC(),
		JobID:  jobID,
		Detail: detail,
	})
}

// sweepTimedOut recovers jobs that have been running longer than the limit.
// The robot may still be heartbeating; the job itself is considered wedged.
func (m *Manager) sweepTimedOut(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.cfg.JobTimeout)
	jobs, err := m.queue.ListRunningSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list timed out jobs: %w", err)
	}
	for _, job := range jobs {
		r := m.recoverJob(ctx, job, "job timeout")
		m.metrics.JobRecovered(string(r.Outcome))
	}
	return nil
}

// sweepEscalations settles escalations whose response window has passed and
// applies their default action to the job.
func (m *Manager) sweepEscalations(ctx context.Context) error {
	if m.escalations == nil {
		return nil
	}
	pending, err := m.escalations.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending escalations: %w", err)
	}
	now := time.Now().UTC()
	for _, esc := range pending {
		if esc.Timeout <= 0 || now.Before(esc.RaisedAt.Add(esc.Timeout)) {
			continue
		}
		if err := m.escalations.Expire(ctx, esc.ID, esc.DefaultAction); err != nil {
			if errors.Is(err, domain.ErrPreconditionFailed) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			m.logger.ErrorContext(ctx, "failed to expire escalation",
				"escalation_id", esc.ID, "error", err)
			continue
		}
		m.applyEscalationAction(ctx, esc)
	}
	return nil
}

// applyEscalationAction enacts the default action of a timed-out escalation.
// The job may already have moved on, been replayed, or been dead-lettered;
// those cases are tolerated because the escalation record itself is settled.
func (m *Manager) applyEscalationAction(ctx context.Context, esc *domain.Escalation) {
	var err error
	switch esc.DefaultAction {
	case "":
		return
	case "retry":
		err = m.queue.Retry(ctx, esc.JobID)
	case "skip":
		err = m.queue.Complete(ctx, esc.JobID)
	default:
		// abort, fail, and anything unrecognized end the job.
		err = m.queue.Cancel(ctx, esc.JobID)
	}
	if err != nil && !errors.Is(err, domain.ErrPreconditionFailed) &&
		!errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrJobNotRetryable) {
		m.logger.ErrorContext(ctx, "failed to apply escalation default action",
			"escalation_id", esc.ID, "job_id", esc.JobID,
			"action", esc.DefaultAction, "error", err)
		return
	}
	m.sink.Publish(domain.Event{
		Type:   domain.EventEscalationExpired,
		At:     time.Now().UTC(),
		JobID:  esc.JobID,
		Detail: esc.DefaultAction,
	})
	m.logger.WarnContext(ctx, "escalation timed out, default action applied",
		"escalation_id", esc.ID, "job_id", esc.JobID, "action", esc.DefaultAction)
}
