package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/domain"
)

// DeadLetterStore is the administrative surface of the dead letter table.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

const dlqColumns = `id, job_id, workflow_id, workflow_name, workflow_definition, variables,
	tenant_id, priority, retry_count, max_retries, final_error, retry_history,
	robot_id, created_at, moved_at, replayed_at, replay_job_id, discarded_at, note`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterJob, error) {
	var entry domain.DeadLetterJob
	var definition []byte
	err := row.Scan(
		&entry.ID, &entry.JobID, &entry.WorkflowID, &entry.WorkflowName, &definition,
		&entry.Variables, &entry.TenantID, &entry.Priority, &entry.RetryCount,
		&entry.MaxRetries, &entry.FinalError, &entry.RetryHistory, &entry.RobotID,
		&entry.CreatedAt, &entry.MovedAt, &entry.ReplayedAt, &entry.ReplayJobID,
		&entry.DiscardedAt, &entry.Note,
	)
	if err != nil {
		return nil, err
	}
	entry.WorkflowDefinition = definition
	return &entry, nil
}

// List returns entries newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit, offset int) ([]*domain.DeadLetterJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*domain.DeadLetterJob
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM job_dlq
			ORDER BY moved_at DESC
			LIMIT $1 OFFSET $2`, dlqColumns), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list dead letter entries: %w", err)
		}
		defer rows.Close()
		entries = nil
		for rows.Next() {
			entry, err := scanDeadLetter(rows)
			if err != nil {
				return fmt.Errorf("failed to scan dead letter row: %w", err)
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

// Get returns one entry.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*domain.DeadLetterJob, error) {
	var entry *domain.DeadLetterJob
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM job_dlq WHERE id = $1`, dlqColumns), id)
		e, err := scanDeadLetter(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: %s", domain.ErrDeadLetterNotFound, id))
		}
		entry = e
		return nil
	})
	return entry, err
}

// Replay creates a fresh pending job from the entry and marks the entry
// replayed in one transaction. An already replayed or discarded entry fails
// the precondition.
func (s *DeadLetterStore) Replay(ctx context.Context, id string) (string, error) {
	var jobID string
	err := withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM job_dlq WHERE id = $1 FOR UPDATE`, dlqColumns), id)
		entry, err := scanDeadLetter(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: %s", domain.ErrDeadLetterNotFound, id))
		}
		if entry.ReplayedAt != nil || entry.DiscardedAt != nil {
			return fmt.Errorf("%w: entry %s already settled", domain.ErrPreconditionFailed, id)
		}

		replayID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate job ID: %w", err)
		}
		now := time.Now().UTC()
		job := &domain.Job{
			ID:                 replayID.String(),
			WorkflowID:         entry.WorkflowID,
			WorkflowName:       entry.WorkflowName,
			WorkflowDefinition: entry.WorkflowDefinition,
			Variables:          entry.Variables,
			TenantID:           entry.TenantID,
			Priority:           entry.Priority,
			MaxRetries:         entry.MaxRetries,
		}
		variables := job.Variables
		if variables == nil {
			variables = map[string]any{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, workflow_id, workflow_name, workflow_definition, variables,
				tenant_id, fingerprint, priority, visible_after, created_at, status, max_retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 'pending', $10)`,
			job.ID, job.WorkflowID, job.WorkflowName, job.WorkflowDefinition, variables,
			job.TenantID, job.Fingerprint(), job.Priority, now, job.MaxRetries); err != nil {
			return fmt.Errorf("failed to insert replayed job: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE job_dlq SET replayed_at = $2, replay_job_id = $3 WHERE id = $1`,
			id, now, job.ID); err != nil {
			return fmt.Errorf("failed to mark entry %s replayed: %w", id, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	return jobID, err
}

// Discard marks the entry settled without replaying it.
func (s *DeadLetterStore) Discard(ctx context.Context, id, note string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE job_dlq SET discarded_at = now(), note = $2
			WHERE id = $1 AND replayed_at IS NULL AND discarded_at IS NULL`,
			id, note)
		if err != nil {
			return fmt.Errorf("failed to discard entry %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: entry %s already settled", domain.ErrPreconditionFailed, id)
		}
		return nil
	})
}

// Count returns the number of unsettled entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			SELECT count(*) FROM job_dlq
			WHERE replayed_at IS NULL AND discarded_at IS NULL`).Scan(&count)
	})
	return count, err
}
