package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/botfleet/internal/application/policy"
	"github.com/rezkam/botfleet/internal/domain"
)

// SubmitJobRequest is the intake shape for a new job.
type SubmitJobRequest struct {
	WorkflowID         string
	WorkflowName       string
	WorkflowDefinition []byte
	Variables          map[string]any
	TenantID           string
	Tags               []string
	AffinityKey        string
	Priority           int
	// StartAt delays visibility; zero means claimable immediately.
	StartAt time.Time
	// MaxRetries overrides the configured default when positive.
	MaxRetries int
	// Dedupe rejects the submission when an active job already carries the
	// same workflow and variables.
	Dedupe bool
}

// SubmitJob validates and enqueues a new job. Crossing the depth soft limit
// publishes a backpressure event but never rejects the submission.
func (orc *Orchestrator) SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.Job, error) {
	now := time.Now().UTC()
	visibleAfter := now
	if req.StartAt.After(now) {
		visibleAfter = req.StartAt.UTC()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = orc.cfg.MaxRetries
	}

	job := &domain.Job{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		WorkflowID:         req.WorkflowID,
		WorkflowName:       req.WorkflowName,
		WorkflowDefinition: req.WorkflowDefinition,
		Variables:          req.Variables,
		TenantID:           req.TenantID,
		Tags:               req.Tags,
		AffinityKey:        req.AffinityKey,
		Priority:           req.Priority,
		VisibleAfter:       visibleAfter,
		CreatedAt:          now,
		Status:             domain.JobStatusPending,
		MaxRetries:         maxRetries,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if err := orc.stores.Queue.Enqueue(ctx, job, req.Dedupe); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	orc.publish(domain.EventJobSubmitted, job.ID, "", job.WorkflowID)
	orc.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID, "workflow_id", job.WorkflowID, "priority", job.Priority,
		"visible_after", job.VisibleAfter)

	orc.checkBackpressure(ctx)
	return job, nil
}

func (orc *Orchestrator) checkBackpressure(ctx context.Context) {
	if orc.cfg.DepthSoftLimit <= 0 {
		return
	}
	depth, err := orc.stores.Queue.Depth(ctx)
	if err != nil {
		orc.logger.WarnContext(ctx, "failed to read queue depth", "error", err)
		return
	}
	if depth > orc.cfg.DepthSoftLimit {
		orc.publish(domain.EventQueueBackpressure, "", "",
			fmt.Sprintf("queue depth %d over soft limit %d", depth, orc.cfg.DepthSoftLimit))
		orc.logger.WarnContext(ctx, "queue depth over soft limit",
			"depth", depth, "soft_limit", orc.cfg.DepthSoftLimit)
	}
}

// SubmitScheduled submits a job on behalf of a fired schedule. It skips
// deduplication: recurring submissions with identical variables are expected.
func (orc *Orchestrator) SubmitScheduled(ctx context.Context, s *domain.Schedule) (string, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:           uuid.Must(uuid.NewV7()).String(),
		WorkflowID:   s.WorkflowID,
		WorkflowName: s.Name,
		ScheduleID:   s.ID,
		Priority:     s.Priority,
		VisibleAfter: now,
		CreatedAt:    now,
		Status:       domain.JobStatusPending,
		MaxRetries:   orc.cfg.MaxRetries,
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if err := orc.stores.Queue.Enqueue(ctx, job, false); err != nil {
		return "", fmt.Errorf("failed to enqueue scheduled job: %w", err)
	}
	orc.publish(domain.EventJobSubmitted, job.ID, "", job.WorkflowID)
	return job.ID, nil
}

// GetJob returns a job with its presentation status resolved.
func (orc *Orchestrator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := orc.stores.Queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = job.DisplayStatus(time.Now().UTC())
	return job, nil
}

// ListJobs returns jobs matching the filter, presentation statuses resolved.
func (orc *Orchestrator) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	jobs, err := orc.stores.Queue.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, j := range jobs {
		j.Status = j.DisplayStatus(now)
	}
	return jobs, nil
}

// CancelJob cancels a non-terminal job. A job already on a robot has its
// load released; the robot observes the cancellation on its next poll.
func (orc *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := orc.stores.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotCancellable, jobID, job.Status)
	}

	if err := orc.stores.Queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	orc.releaseRobotLoad(ctx, job)
	orc.publish(domain.EventJobCancelled, jobID, robotIDOf(job), "")
	orc.logger.InfoContext(ctx, "job cancelled", "job_id", jobID)
	return nil
}

// RetryJob re-enqueues a terminal failed or cancelled job with a fresh retry
// budget.
func (orc *Orchestrator) RetryJob(ctx context.Context, jobID string) error {
	if err := orc.stores.Queue.Retry(ctx, jobID); err != nil {
		return err
	}
	orc.publish(domain.EventJobSubmitted, jobID, "", "manual retry")
	orc.logger.InfoContext(ctx, "job re-enqueued", "job_id", jobID)
	return nil
}

// MarkJobRunning records that the robot began executing its claimed job.
func (orc *Orchestrator) MarkJobRunning(ctx context.Context, jobID, robotID string) error {
	return orc.stores.Queue.MarkRunning(ctx, jobID, robotID)
}

// UpdateJobProgress records progress percent and the current step label.
func (orc *Orchestrator) UpdateJobProgress(ctx context.Context, jobID string, progress int, currentStep string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d outside [0,100]", domain.ErrInvalidJob, progress)
	}
	return orc.stores.Queue.UpdateProgress(ctx, jobID, progress, currentStep)
}

// SaveCheckpoint persists resumable execution state reported by a robot.
func (orc *Orchestrator) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return orc.stores.Checkpoints.Save(ctx, cp)
}

// GetCheckpoint returns the job's checkpoint, for robots resuming work.
func (orc *Orchestrator) GetCheckpoint(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	return orc.stores.Checkpoints.Get(ctx, jobID)
}

// CompleteJob finishes a job: terminal completed state, robot load released,
// checkpoint dropped, circuit breakers credited, schedule outcome recorded.
func (orc *Orchestrator) CompleteJob(ctx context.Context, jobID string) error {
	job, err := orc.stores.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if err := orc.stores.Queue.Complete(ctx, jobID); err != nil {
		return err
	}

	orc.releaseRobotLoad(ctx, job)
	if err := orc.stores.Checkpoints.Delete(ctx, jobID); err != nil &&
		!errors.Is(err, domain.ErrCheckpointNotFound) {
		orc.logger.WarnContext(ctx, "failed to delete checkpoint", "job_id", jobID, "error", err)
	}
	if job.RobotID != nil {
		orc.policies.RecordSuccess(*job.RobotID)
	}
	orc.recordScheduleOutcome(ctx, job, true)

	orc.publish(domain.EventJobCompleted, jobID, robotIDOf(job), "")
	orc.logger.InfoContext(ctx, "job completed", "job_id", jobID, "robot_id", robotIDOf(job))
	return nil
}

// FailJob handles a failure reported by a robot. The policy engine decides
// the action; the returned decision tells the robot what to do next for the
// in-place actions (skip, fallback, compensate), while retry, abort, and
// escalate are applied to the job row here.
func (orc *Orchestrator) FailJob(ctx context.Context, fc domain.FailureContext) (policy.Decision, error) {
	job, err := orc.stores.Queue.Get(ctx, fc.JobID)
	if err != nil {
		return policy.Decision{}, err
	}
	fc.RetryCount = job.RetryCount
	fc.MaxRetries = job.MaxRetries

	orc.policies.RecordFailure(fc)
	decision := orc.policies.Decide(ctx, fc)

	orc.logger.InfoContext(ctx, "failure decision",
		"job_id", fc.JobID, "robot_id", fc.RobotID, "error_kind", fc.Kind,
		"action", decision.Action.Kind, "rule", decision.RuleName,
		"breaker_open", decision.BreakerOpen)

	switch decision.Action.Kind {
	case policy.ActionRetry:
		delay := decision.Action.Delay
		if delay <= 0 {
			delay = domain.BackoffDelay(orc.cfg.Backoff, job.RetryCount)
		}
		if err := orc.stores.Queue.RequeueForRetry(ctx, fc.JobID, delay, fc.Message); err != nil {
			return decision, err
		}
		orc.releaseRobotLoad(ctx, job)
		orc.publish(domain.EventJobFailed, fc.JobID, fc.RobotID,
			fmt.Sprintf("requeued for retry %d/%d", job.RetryCount+1, job.MaxRetries))

	case policy.ActionSkip, policy.ActionFallback, policy.ActionCompensate:
		// The robot keeps the job and applies the instruction in place.
		orc.publish(domain.EventJobFailed, fc.JobID, fc.RobotID, string(decision.Action.Kind))

	case policy.ActionAbort:
		if err := orc.failTerminally(ctx, job, fc, false); err != nil {
			return decision, err
		}

	case policy.ActionEscalate:
		orc.raiseEscalation(ctx, fc, decision)
		if job.RetryCount >= job.MaxRetries {
			// Budget spent: the job has nowhere to go but the dead letter
			// queue while a human looks at the escalation.
			if err := orc.failTerminally(ctx, job, fc, orc.cfg.DLQEnabled); err != nil {
				return decision, err
			}
		} else {
			// Budget remains (breaker open or policy choice): park the job
			// without consuming a retry.
			if err := orc.stores.Queue.Release(ctx, fc.JobID, orc.cfg.DefaultRequeueDelay); err != nil {
				return decision, err
			}
			orc.releaseRobotLoad(ctx, job)
		}
	}

	return decision, nil
}

// failTerminally marks the job failed, optionally promotes it to the DLQ,
// and records the terminal outcome.
func (orc *Orchestrator) failTerminally(ctx context.Context, job *domain.Job, fc domain.FailureContext, toDLQ bool) error {
	if toDLQ {
		if err := orc.stores.Queue.PromoteToDLQ(ctx, job.ID, fc.Message); err != nil {
			return err
		}
		orc.publish(domain.EventJobDeadLettered, job.ID, fc.RobotID, fc.Message)
	} else {
		if err := orc.stores.Queue.MarkFailed(ctx, job.ID, fc.Message); err != nil {
			return err
		}
		orc.publish(domain.EventJobFailed, job.ID, fc.RobotID, fc.Message)
	}
	orc.releaseRobotLoad(ctx, job)
	orc.recordScheduleOutcome(ctx, job, false)
	return nil
}

func (orc *Orchestrator) raiseEscalation(ctx context.Context, fc domain.FailureContext, decision policy.Decision) {
	message := decision.Action.Message
	if message == "" {
		message = fc.Message
	}
	esc := &domain.Escalation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		JobID:         fc.JobID,
		RobotID:       fc.RobotID,
		NodeID:        fc.NodeID,
		Message:       message,
		Severity:      fc.Severity,
		RaisedAt:      time.Now().UTC(),
		Timeout:       decision.Action.Timeout,
		DefaultAction: string(decision.Action.DefaultActionOnTimeout),
		Status:        domain.EscalationPending,
	}
	if err := orc.stores.Escalations.Create(ctx, esc); err != nil {
		orc.logger.ErrorContext(ctx, "failed to record escalation",
			"job_id", fc.JobID, "error", err)
		return
	}
	orc.publish(domain.EventEscalationRaised, fc.JobID, fc.RobotID, message)
}

// releaseRobotLoad decrements the assigned robot's load counter, tolerating
// rows that already hit zero or vanished.
func (orc *Orchestrator) releaseRobotLoad(ctx context.Context, job *domain.Job) {
	if job.RobotID == nil || *job.RobotID == "" || *job.RobotID == orc.cfg.ClaimantID {
		return
	}
	if err := orc.stores.Robots.DecrementLoad(ctx, *job.RobotID); err != nil &&
		!errors.Is(err, domain.ErrRobotNotFound) {
		orc.logger.WarnContext(ctx, "failed to decrement robot load",
			"robot_id", *job.RobotID, "error", err)
	}
}

func (orc *Orchestrator) recordScheduleOutcome(ctx context.Context, job *domain.Job, success bool) {
	if job.ScheduleID == "" {
		return
	}
	if err := orc.stores.Schedules.RecordOutcome(ctx, job.ScheduleID, job.ID, success); err != nil {
		orc.logger.WarnContext(ctx, "failed to record schedule outcome",
			"schedule_id", job.ScheduleID, "job_id", job.ID, "error", err)
	}
}

func robotIDOf(job *domain.Job) string {
	if job.RobotID == nil {
		return ""
	}
	return *job.RobotID
}

// ListDeadLetters pages through the dead letter queue.
func (orc *Orchestrator) ListDeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetterJob, error) {
	return orc.stores.DeadLetters.List(ctx, limit, offset)
}

// ReplayDeadLetter creates a fresh job from a dead letter entry.
func (orc *Orchestrator) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	jobID, err := orc.stores.DeadLetters.Replay(ctx, id)
	if err != nil {
		return "", err
	}
	orc.publish(domain.EventJobSubmitted, jobID, "", "dead letter replay")
	orc.logger.InfoContext(ctx, "dead letter replayed", "entry_id", id, "job_id", jobID)
	return jobID, nil
}

// DiscardDeadLetter marks a dead letter entry as handled without replay.
func (orc *Orchestrator) DiscardDeadLetter(ctx context.Context, id, note string) error {
	return orc.stores.DeadLetters.Discard(ctx, id, note)
}

// ListEscalations returns escalations awaiting a human decision.
func (orc *Orchestrator) ListEscalations(ctx context.Context) ([]*domain.Escalation, error) {
	return orc.stores.Escalations.ListPending(ctx)
}

// ResolveEscalation records the human decision for a pending escalation and
// applies the chosen action to the job: retry puts it back on the queue with
// a fresh budget, skip closes it as completed, anything else cancels it.
func (orc *Orchestrator) ResolveEscalation(ctx context.Context, id, resolvedBy, action string) error {
	esc, err := orc.stores.Escalations.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := orc.stores.Escalations.Resolve(ctx, id, resolvedBy, action); err != nil {
		return err
	}

	var actionErr error
	switch action {
	case "retry":
		actionErr = orc.stores.Queue.Retry(ctx, esc.JobID)
	case "skip":
		actionErr = orc.stores.Queue.Complete(ctx, esc.JobID)
	default:
		actionErr = orc.stores.Queue.Cancel(ctx, esc.JobID)
	}
	// The job may have moved on while the escalation waited: requeued by a
	// retry rung, replayed from the dead letter queue, or gone entirely. The
	// decision is still recorded; only a live job changes state.
	if actionErr != nil && !errors.Is(actionErr, domain.ErrPreconditionFailed) &&
		!errors.Is(actionErr, domain.ErrNotFound) && !errors.Is(actionErr, domain.ErrJobNotRetryable) {
		return actionErr
	}

	orc.logger.InfoContext(ctx, "escalation resolved",
		"escalation_id", id, "job_id", esc.JobID, "resolved_by", resolvedBy, "action", action)
	return nil
}
