package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/domain"
)

// ScheduleStore persists recurring submission rules and their bounded
// execution history.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

const scheduleColumns = `id, name, workflow_id, frequency, run_at, cron_expr,
	interval_seconds, day_of_week, day_of_month, hour, minute, priority, enabled,
	last_run, next_run, run_count, success_count, failure_count, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var frequency string
	err := row.Scan(
		&s.ID, &s.Name, &s.WorkflowID, &frequency, &s.RunAt, &s.CronExpr,
		&s.IntervalSeconds, &s.DayOfWeek, &s.DayOfMonth, &s.Hour, &s.Minute,
		&s.Priority, &s.Enabled, &s.LastRun, &s.NextRun, &s.RunCount,
		&s.SuccessCount, &s.FailureCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Frequency = domain.Frequency(frequency)
	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]*domain.Schedule, error) {
	defer rows.Close()
	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// Create inserts the schedule.
func (s *ScheduleStore) Create(ctx context.Context, sched *domain.Schedule) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO schedules (id, name, workflow_id, frequency, run_at, cron_expr,
				interval_seconds, day_of_week, day_of_month, hour, minute, priority,
				enabled, next_run, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
			sched.ID, sched.Name, sched.WorkflowID, string(sched.Frequency), sched.RunAt,
			sched.CronExpr, sched.IntervalSeconds, sched.DayOfWeek, sched.DayOfMonth,
			sched.Hour, sched.Minute, sched.Priority, sched.Enabled, sched.NextRun,
			sched.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert schedule %s: %w", sched.ID, err)
		}
		return nil
	})
}

// Update overwrites the rule fields. Counters and last_run are owned by the
// firing path and left untouched.
func (s *ScheduleStore) Update(ctx context.Context, sched *domain.Schedule) error {
	return s.guarded(ctx, sched.ID, `
		UPDATE schedules SET name = $2, workflow_id = $3, frequency = $4, run_at = $5,
			cron_expr = $6, interval_seconds = $7, day_of_week = $8, day_of_month = $9,
			hour = $10, minute = $11, priority = $12, enabled = $13, next_run = $14,
			updated_at = now()
		WHERE id = $1`,
		sched.ID, sched.Name, sched.WorkflowID, string(sched.Frequency), sched.RunAt,
		sched.CronExpr, sched.IntervalSeconds, sched.DayOfWeek, sched.DayOfMonth,
		sched.Hour, sched.Minute, sched.Priority, sched.Enabled, sched.NextRun)
}

// Delete removes the schedule and its history.
func (s *ScheduleStore) Delete(ctx context.Context, scheduleID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`DELETE FROM schedule_executions WHERE schedule_id = $1`, scheduleID); err != nil {
			return fmt.Errorf("failed to delete history of schedule %s: %w", scheduleID, err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
		if err != nil {
			return fmt.Errorf("failed to delete schedule %s: %w", scheduleID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
		}
		return tx.Commit(ctx)
	})
}

// Get returns one schedule.
func (s *ScheduleStore) Get(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	var sched *domain.Schedule
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM schedules WHERE id = $1`, scheduleColumns), scheduleID)
		sc, err := scanSchedule(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID))
		}
		sched = sc
		return nil
	})
	return sched, err
}

// List returns all schedules by name.
func (s *ScheduleStore) List(ctx context.Context) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM schedules ORDER BY name`, scheduleColumns))
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}
		schedules, err = collectSchedules(rows)
		return err
	})
	return schedules, err
}

// ListUpcoming returns enabled schedules ordered by next firing instant.
func (s *ScheduleStore) ListUpcoming(ctx context.Context, limit int) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM schedules
			WHERE enabled AND next_run IS NOT NULL
			ORDER BY next_run ASC
			LIMIT $1`, scheduleColumns), limit)
		if err != nil {
			return fmt.Errorf("failed to list upcoming schedules: %w", err)
		}
		schedules, err = collectSchedules(rows)
		return err
	})
	return schedules, err
}

// ListDue returns enabled schedules whose next firing instant has passed.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM schedules
			WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
			ORDER BY next_run ASC
			LIMIT $2`, scheduleColumns), now, limit)
		if err != nil {
			return fmt.Errorf("failed to list due schedules: %w", err)
		}
		schedules, err = collectSchedules(rows)
		return err
	})
	return schedules, err
}

// AdvanceNextRun moves next_run from the observed value to the computed one,
// stamping last_run and bumping the run counter. The predicate on the observed
// value makes the advance the exactly-once firing claim: the replica whose
// update matches fires, everyone else sees false. A nil next instant means the
// rule is exhausted and disables it.
func (s *ScheduleStore) AdvanceNextRun(ctx context.Context, scheduleID string, from time.Time, to *time.Time, firedAt time.Time) (bool, error) {
	var advanced bool
	err := withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE schedules SET next_run = $3, last_run = $4,
				run_count = run_count + 1,
				enabled = CASE WHEN $3::timestamptz IS NULL THEN FALSE ELSE enabled END,
				updated_at = now()
			WHERE id = $1 AND enabled AND next_run = $2`,
			scheduleID, from, to, firedAt)
		if err != nil {
			return fmt.Errorf("failed to advance schedule %s: %w", scheduleID, err)
		}
		advanced = tag.RowsAffected() > 0
		return nil
	})
	return advanced, err
}

// RecordExecution appends a history entry.
func (s *ScheduleStore) RecordExecution(ctx context.Context, exec *domain.ScheduleExecution) error {
	var jobID *string
	if exec.JobID != "" {
		jobID = &exec.JobID
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO schedule_executions (id, schedule_id, job_id, started_at, outcome, error)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			exec.ID, exec.ScheduleID, jobID, exec.StartedAt, exec.Outcome, exec.Error)
		if err != nil {
			return fmt.Errorf("failed to record execution for schedule %s: %w", exec.ScheduleID, err)
		}
		return nil
	})
}

// ListExecutions returns history entries newest first.
func (s *ScheduleStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error) {
	var execs []*domain.ScheduleExecution
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, schedule_id, COALESCE(job_id, ''), started_at, outcome, error
			FROM schedule_executions
			WHERE schedule_id = $1
			ORDER BY started_at DESC
			LIMIT $2`, scheduleID, limit)
		if err != nil {
			return fmt.Errorf("failed to list executions of schedule %s: %w", scheduleID, err)
		}
		defer rows.Close()
		execs = nil
		for rows.Next() {
			var e domain.ScheduleExecution
			if err := rows.Scan(&e.ID, &e.ScheduleID, &e.JobID, &e.StartedAt, &e.Outcome, &e.Error); err != nil {
				return fmt.Errorf("failed to scan execution row: %w", err)
			}
			execs = append(execs, &e)
		}
		return rows.Err()
	})
	return execs, err
}

// PurgeHistory deletes history entries older than the retention cutoff.
func (s *ScheduleStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM schedule_executions WHERE started_at < $1`, olderThan)
		if err != nil {
			return fmt.Errorf("failed to purge schedule history: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	return purged, err
}

// IncrementFailure bumps the failure counter when submission itself failed.
func (s *ScheduleStore) IncrementFailure(ctx context.Context, scheduleID string) error {
	return s.guarded(ctx, scheduleID, `
		UPDATE schedules SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1`, scheduleID)
}

// RecordOutcome attributes a terminal job state to its schedule: bumps the
// success or failure counter and closes the matching history entry.
func (s *ScheduleStore) RecordOutcome(ctx context.Context, scheduleID, jobID string, success bool) error {
	counter := "failure_count"
	outcome := "failed"
	if success {
		counter = "success_count"
		outcome = "completed"
	}
	return withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE schedules SET %s = %s + 1, updated_at = now()
			WHERE id = $1`, counter, counter), scheduleID); err != nil {
			return fmt.Errorf("failed to record outcome for schedule %s: %w", scheduleID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE schedule_executions SET outcome = $3
			WHERE schedule_id = $1 AND job_id = $2`, scheduleID, jobID, outcome); err != nil {
			return fmt.Errorf("failed to close execution entry for job %s: %w", jobID, err)
		}
		return tx.Commit(ctx)
	})
}

// CountActiveJobs counts the schedule's jobs that have not reached a terminal
// state, for the concurrent execution cap.
func (s *ScheduleStore) CountActiveJobs(ctx context.Context, scheduleID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			SELECT count(*) FROM jobs
			WHERE schedule_id = $1 AND status IN ('pending', 'claimed', 'running')`,
			scheduleID).Scan(&count)
	})
	return count, err
}

func (s *ScheduleStore) guarded(ctx context.Context, scheduleID, query string, args ...any) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update schedule %s: %w", scheduleID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
		}
		return nil
	})
}
