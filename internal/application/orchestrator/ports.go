package orchestrator

import (
	"context"
	"time"

	"github.com/rezkam/botfleet/internal/domain"
)

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Statuses   []domain.JobStatus
	WorkflowID string
	TenantID   string
	RobotID    string
	Limit      int
	Offset     int
}

// QueueStats is the point-in-time shape of the queue.
type QueueStats struct {
	ByStatus         map[domain.JobStatus]int
	Depth            int
	DeadLetters      int
	OldestPendingAge time.Duration
}

// Queue is the durable job queue the facade orchestrates.
type Queue interface {
	// Enqueue persists a new pending job. With dedupe set it fails with
	// ErrDuplicateJob when an active job carries the same fingerprint.
	Enqueue(ctx context.Context, job *domain.Job, dedupe bool) error
	// Claim atomically claims up to limit visible pending jobs for the
	// claimant, highest priority first, oldest first within a priority.
	Claim(ctx context.Context, claimantID string, limit int) ([]*domain.Job, error)
	// HandOff reassigns a claimed job from one holder to a robot.
	HandOff(ctx context.Context, jobID, fromID, robotID string) error
	// MarkRunning transitions claimed to running and stamps started_at. The
	// robot ID must match the claim holder.
	MarkRunning(ctx context.Context, jobID, robotID string) error
	// Complete transitions running to completed.
	Complete(ctx context.Context, jobID string) error
	// MarkFailed transitions claimed or running to terminal failed.
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	// Release returns a claimed or running job to pending without touching
	// its retry budget, visible after the delay.
	Release(ctx context.Context, jobID string, delay time.Duration) error
	// RequeueForRetry returns a claimed or running job to pending with
	// retry_count incremented and the cause appended to its retry history;
	// the precondition fails when the budget is already spent.
	RequeueForRetry(ctx context.Context, jobID string, delay time.Duration, cause string) error
	// Retry re-enqueues a terminal failed or cancelled job with a fresh
	// retry budget.
	Retry(ctx context.Context, jobID string) error
	// Cancel transitions any non-terminal job to cancelled.
	Cancel(ctx context.Context, jobID string) error
	// PromoteToDLQ copies the job into the dead letter table and deletes it
	// from the queue, atomically. The dead letter entry becomes the only
	// record of the job.
	PromoteToDLQ(ctx context.Context, jobID, reason string) error
	// UpdateProgress records progress percent and the current step label.
	UpdateProgress(ctx context.Context, jobID string, progress int, currentStep string) error
	// ReleaseExpiredClaims returns the holder's claimed jobs older than the
	// visibility timeout to pending. Claims held by others are untouched.
	ReleaseExpiredClaims(ctx context.Context, holder string, timeout time.Duration) (int64, error)

	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	ListByRobot(ctx context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error)
	ListRunningSince(ctx context.Context, startedBefore time.Time) ([]*domain.Job, error)
	// ListExpiredClaims returns claimed jobs older than the visibility
	// timeout held by anyone other than excludeHolder.
	ListExpiredClaims(ctx context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error)
	// Depth counts visible pending jobs.
	Depth(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// Robots is the executor registry.
type Robots interface {
	// Register inserts or refreshes a robot row and returns the stored state.
	Register(ctx context.Context, robot *domain.Robot) (*domain.Robot, error)
	// Heartbeat stamps last_heartbeat; unknown robots are a no-op.
	Heartbeat(ctx context.Context, robotID string) error
	SetStatus(ctx context.Context, robotID string, status domain.RobotStatus) error
	// MarkFailed sets status failed and zeroes the load counter.
	MarkFailed(ctx context.Context, robotID string) error
	// IncrementLoad adds one to the load counter, guarded by the robot's
	// concurrency cap.
	IncrementLoad(ctx context.Context, robotID string) error
	DecrementLoad(ctx context.Context, robotID string) error

	Get(ctx context.Context, robotID string) (*domain.Robot, error)
	List(ctx context.Context) ([]*domain.Robot, error)
	ListDispatchable(ctx context.Context) ([]*domain.Robot, error)
	ListStale(ctx context.Context) ([]*domain.Robot, error)
}

// Checkpoints stores resumable execution state keyed by job ID.
type Checkpoints interface {
	Save(ctx context.Context, cp *domain.Checkpoint) error
	Get(ctx context.Context, jobID string) (*domain.Checkpoint, error)
	Delete(ctx context.Context, jobID string) error
}

// Schedules stores recurring submission rules and their execution history.
type Schedules interface {
	Create(ctx context.Context, s *domain.Schedule) error
	Update(ctx context.Context, s *domain.Schedule) error
	Delete(ctx context.Context, scheduleID string) error
	Get(ctx context.Context, scheduleID string) (*domain.Schedule, error)
	List(ctx context.Context) ([]*domain.Schedule, error)
	// ListUpcoming returns enabled schedules ordered by next_run ascending.
	ListUpcoming(ctx context.Context, limit int) ([]*domain.Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
	AdvanceNextRun(ctx context.Context, scheduleID string, from time.Time, to *time.Time, firedAt time.Time) (bool, error)
	RecordExecution(ctx context.Context, exec *domain.ScheduleExecution) error
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error)
	PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error)
	IncrementFailure(ctx context.Context, scheduleID string) error
	// RecordOutcome attributes a terminal job state to its schedule: bumps
	// the success or failure counter and closes the history entry.
	RecordOutcome(ctx context.Context, scheduleID, jobID string, success bool) error
	CountActiveJobs(ctx context.Context, scheduleID string) (int, error)
}

// DeadLetters is the administrative surface of the dead letter queue.
type DeadLetters interface {
	List(ctx context.Context, limit, offset int) ([]*domain.DeadLetterJob, error)
	Get(ctx context.Context, id string) (*domain.DeadLetterJob, error)
	// Replay creates a fresh pending job from the entry and marks the entry
	// replayed, atomically. Replaying twice fails the precondition.
	Replay(ctx context.Context, id string) (jobID string, err error)
	Discard(ctx context.Context, id, note string) error
	Count(ctx context.Context) (int, error)
}

// Escalations stores pending human decisions.
type Escalations interface {
	Create(ctx context.Context, e *domain.Escalation) error
	Get(ctx context.Context, id string) (*domain.Escalation, error)
	ListPending(ctx context.Context) ([]*domain.Escalation, error)
	// Resolve records the operator decision; resolving twice fails the
	// precondition.
	Resolve(ctx context.Context, id, resolvedBy, action string) error
	// Expire settles an unanswered escalation, recording the default action
	// that was applied in the operator's stead.
	Expire(ctx context.Context, id, action string) error
}
