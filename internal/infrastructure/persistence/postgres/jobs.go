package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/application/orchestrator"
	"github.com/rezkam/botfleet/internal/domain"
)

// JobStore is the durable job queue over the jobs table. All state
// transitions are single guarded UPDATEs: the WHERE clause carries the
// expected current state and zero affected rows surfaces as
// ErrPreconditionFailed, never as a partial write.
type JobStore struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, workflow_id, workflow_name, workflow_definition, variables,
	tenant_id, tags, affinity_key, schedule_id, priority, visible_after, created_at,
	status, robot_id, claimed_at, started_at, completed_at, progress, current_step,
	retry_count, max_retries, last_error, error_message`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var definition []byte
	var scheduleID *string
	err := row.Scan(
		&job.ID, &job.WorkflowID, &job.WorkflowName, &definition, &job.Variables,
		&job.TenantID, &job.Tags, &job.AffinityKey, &scheduleID, &job.Priority,
		&job.VisibleAfter, &job.CreatedAt, &job.Status, &job.RobotID,
		&job.ClaimedAt, &job.StartedAt, &job.CompletedAt, &job.Progress,
		&job.CurrentStep, &job.RetryCount, &job.MaxRetries, &job.LastError,
		&job.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	job.WorkflowDefinition = definition
	if scheduleID != nil {
		job.ScheduleID = *scheduleID
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job rows: %w", err)
	}
	return jobs, nil
}

// Enqueue inserts a new pending job. With dedupe set the insert and the
// fingerprint check are one statement, so two concurrent duplicate
// submissions cannot both land.
func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job, dedupe bool) error {
	fingerprint := job.Fingerprint()
	var scheduleID *string
	if job.ScheduleID != "" {
		scheduleID = &job.ScheduleID
	}
	variables := job.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}

	args := []any{
		job.ID, job.WorkflowID, job.WorkflowName, job.WorkflowDefinition, variables,
		job.TenantID, tags, job.AffinityKey, scheduleID, fingerprint,
		job.Priority, job.VisibleAfter, job.CreatedAt, string(job.Status), job.MaxRetries,
	}

	query := `
		INSERT INTO jobs (id, workflow_id, workflow_name, workflow_definition, variables,
			tenant_id, tags, affinity_key, schedule_id, fingerprint,
			priority, visible_after, created_at, status, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if dedupe {
		query = `
		INSERT INTO jobs (id, workflow_id, workflow_name, workflow_definition, variables,
			tenant_id, tags, affinity_key, schedule_id, fingerprint,
			priority, visible_after, created_at, status, max_retries)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE fingerprint = $10 AND status IN ('pending', 'claimed', 'running')
		)`
	}

	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		if dedupe && tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: fingerprint %s", domain.ErrDuplicateJob, fingerprint)
		}
		return nil
	})
}

// Claim atomically claims up to limit visible pending jobs for the claimant.
// SKIP LOCKED lets concurrent claimants drain the queue without blocking on
// each other's rows.
func (s *JobStore) Claim(ctx context.Context, claimantID string, limit int) ([]*domain.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET status = 'claimed', robot_id = $1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND visible_after <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	var jobs []*domain.Job
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, claimantID, limit)
		if err != nil {
			return fmt.Errorf("failed to claim jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		return err
	})
	return jobs, err
}

// HandOff reassigns a claimed job from one holder to another.
func (s *JobStore) HandOff(ctx context.Context, jobID, fromID, robotID string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET robot_id = $3, claimed_at = now()
		WHERE id = $1 AND status = 'claimed' AND robot_id = $2`,
		jobID, fromID, robotID)
}

// MarkRunning transitions claimed to running for the claim holder.
func (s *JobStore) MarkRunning(ctx context.Context, jobID, robotID string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'claimed' AND robot_id = $2`,
		jobID, robotID)
}

// Complete transitions a claimed or running job to completed.
func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'completed', completed_at = now(), progress = 100
		WHERE id = $1 AND status IN ('claimed', 'running')`,
		jobID)
}

// MarkFailed transitions a claimed or running job to terminal failed.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'failed', completed_at = now(),
			last_error = $2, error_message = $2,
			retry_history = array_append(retry_history, $2)
		WHERE id = $1 AND status IN ('claimed', 'running')`,
		jobID, errMsg)
}

// Release returns a claimed or running job to pending without consuming a
// retry.
func (s *JobStore) Release(ctx context.Context, jobID string, delay time.Duration) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'pending', robot_id = NULL,
			claimed_at = NULL, started_at = NULL,
			visible_after = now() + $2
		WHERE id = $1 AND status IN ('claimed', 'running')`,
		jobID, delay)
}

// RequeueForRetry returns a claimed or running job to pending, consuming one
// retry and recording the cause.
func (s *JobStore) RequeueForRetry(ctx context.Context, jobID string, delay time.Duration, cause string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'pending', robot_id = NULL,
			claimed_at = NULL, started_at = NULL,
			visible_after = now() + $2,
			retry_count = retry_count + 1,
			last_error = $3,
			retry_history = array_append(retry_history, $3)
		WHERE id = $1 AND status IN ('claimed', 'running')
			AND retry_count < max_retries`,
		jobID, delay, cause)
}

// Retry re-enqueues a terminal failed or cancelled job with a fresh budget.
func (s *JobStore) Retry(ctx context.Context, jobID string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'pending', robot_id = NULL,
				claimed_at = NULL, started_at = NULL, completed_at = NULL,
				visible_after = now(), retry_count = 0,
				progress = 0, current_step = '', error_message = ''
			WHERE id = $1 AND status IN ('failed', 'cancelled')`, jobID)
		if err != nil {
			return fmt.Errorf("failed to re-enqueue job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, jobID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: job %s", domain.ErrJobNotRetryable, jobID)
		}
		return nil
	})
}

// Cancel transitions any non-terminal job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'claimed', 'running')`,
		jobID)
}

// UpdateProgress records progress for a claimed or running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int, currentStep string) error {
	return s.guarded(ctx, jobID, `
		UPDATE jobs SET progress = $2, current_step = $3
		WHERE id = $1 AND status IN ('claimed', 'running')`,
		jobID, progress, currentStep)
}

// ReleaseExpiredClaims returns the holder's claimed jobs older than the
// visibility timeout to pending. It only touches the given holder; claims
// held by robots carry retry state and go through per-job recovery instead.
func (s *JobStore) ReleaseExpiredClaims(ctx context.Context, holder string, timeout time.Duration) (int64, error) {
	var released int64
	err := withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'pending', robot_id = NULL, claimed_at = NULL
			WHERE status = 'claimed' AND robot_id = $1 AND claimed_at < now() - $2`,
			holder, timeout)
		if err != nil {
			return fmt.Errorf("failed to release expired claims: %w", err)
		}
		released = tag.RowsAffected()
		return nil
	})
	return released, err
}

// ListExpiredClaims returns claimed jobs older than the visibility timeout
// held by anyone other than excludeHolder.
func (s *JobStore) ListExpiredClaims(ctx context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE status = 'claimed' AND robot_id <> $1 AND claimed_at < now() - $2
			ORDER BY claimed_at ASC`, jobColumns), excludeHolder, timeout)
		if err != nil {
			return fmt.Errorf("failed to list expired claims: %w", err)
		}
		jobs, err = collectJobs(rows)
		return err
	})
	return jobs, err
}

// PromoteToDLQ copies the job into the dead letter table and deletes it from
// the queue in one transaction. The dead letter entry becomes the only record
// of the job; its checkpoint goes with it.
func (s *JobStore) PromoteToDLQ(ctx context.Context, jobID, reason string) error {
	return withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `
			INSERT INTO job_dlq (id, job_id, workflow_id, workflow_name, workflow_definition,
				variables, tenant_id, priority, retry_count, max_retries,
				final_error, retry_history, robot_id, created_at, moved_at)
			SELECT gen_random_uuid()::text, id, workflow_id, workflow_name, workflow_definition,
				variables, tenant_id, priority, retry_count, max_retries,
				$2, retry_history, COALESCE(robot_id, ''), created_at, now()
			FROM jobs
			WHERE id = $1 AND status IN ('pending', 'claimed', 'running')`,
			jobID, reason)
		if err != nil {
			return fmt.Errorf("failed to copy job %s to dead letter queue: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s not promotable", domain.ErrPreconditionFailed, jobID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to delete job %s from queue: %w", jobID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to delete checkpoint of job %s: %w", jobID, err)
		}

		return tx.Commit(ctx)
	})
}

// Get returns one job.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
		j, err := scanJob(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID))
		}
		job = j
		return nil
	})
	return job, err
}

// List returns jobs matching the filter, newest first.
func (s *JobStore) List(ctx context.Context, filter orchestrator.JobFilter) ([]*domain.Job, error) {
	var conditions []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+arg(statuses)+")")
	}
	if filter.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = "+arg(filter.WorkflowID))
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = "+arg(filter.TenantID))
	}
	if filter.RobotID != "" {
		conditions = append(conditions, "robot_id = "+arg(filter.RobotID))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var jobs []*domain.Job
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		return err
	})
	return jobs, err
}

// ListByRobot returns the robot's jobs in the given states.
func (s *JobStore) ListByRobot(ctx context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	var jobs []*domain.Job
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE robot_id = $1 AND status = ANY($2)
			ORDER BY created_at ASC`, jobColumns), robotID, names)
		if err != nil {
			return fmt.Errorf("failed to list jobs of robot %s: %w", robotID, err)
		}
		jobs, err = collectJobs(rows)
		return err
	})
	return jobs, err
}

// ListRunningSince returns running jobs whose execution started before the
// given instant.
func (s *JobStore) ListRunningSince(ctx context.Context, startedBefore time.Time) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE status = 'running' AND started_at < $1
			ORDER BY started_at ASC`, jobColumns), startedBefore)
		if err != nil {
			return fmt.Errorf("failed to list running jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		return err
	})
	return jobs, err
}

// Depth counts visible pending jobs.
func (s *JobStore) Depth(ctx context.Context) (int, error) {
	var depth int
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			SELECT count(*) FROM jobs
			WHERE status = 'pending' AND visible_after <= now()`).Scan(&depth)
	})
	return depth, err
}

// Stats returns counts per status and the age of the oldest visible pending
// job.
func (s *JobStore) Stats(ctx context.Context) (*orchestrator.QueueStats, error) {
	stats := &orchestrator.QueueStats{ByStatus: make(map[domain.JobStatus]int)}
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
		if err != nil {
			return fmt.Errorf("failed to count jobs by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan status count: %w", err)
			}
			stats.ByStatus[domain.JobStatus(status)] = count
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var oldest *time.Time
		if err := s.pool.QueryRow(ctx, `
			SELECT min(created_at) FROM jobs
			WHERE status = 'pending' AND visible_after <= now()`).Scan(&oldest); err != nil {
			return fmt.Errorf("failed to read oldest pending job: %w", err)
		}
		if oldest != nil {
			stats.OldestPendingAge = time.Since(*oldest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	depth, err := s.Depth(ctx)
	if err != nil {
		return nil, err
	}
	stats.Depth = depth
	return stats, nil
}

// guarded runs a conditional UPDATE and maps zero affected rows to either
// not-found or a failed precondition.
func (s *JobStore) guarded(ctx context.Context, jobID, query string, args ...any) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, jobID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: job %s moved", domain.ErrPreconditionFailed, jobID)
		}
		return nil
	})
}
