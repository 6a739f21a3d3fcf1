package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/domain"
)

// CheckpointStore persists resumable execution state, one row per job.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// Save upserts the checkpoint. Robots overwrite it on every step boundary;
// a delayed write carrying an earlier step than the stored one is dropped so
// the checkpoint never moves backwards.
func (s *CheckpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	executed := cp.ExecutedNodes
	if executed == nil {
		executed = []string{}
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO checkpoints (job_id, state, current_step, executed_nodes, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (job_id) DO UPDATE SET
				state = EXCLUDED.state,
				current_step = EXCLUDED.current_step,
				executed_nodes = EXCLUDED.executed_nodes,
				updated_at = now()
			WHERE checkpoints.current_step <= EXCLUDED.current_step`,
			cp.JobID, string(cp.State), cp.CurrentStep, executed)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint for job %s: %w", cp.JobID, err)
		}
		return nil
	})
}

// Get returns the checkpoint for the job.
func (s *CheckpointStore) Get(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	err := withRetry(ctx, func() error {
		var c domain.Checkpoint
		var state string
		err := s.pool.QueryRow(ctx, `
			SELECT job_id, state, current_step, executed_nodes, updated_at
			FROM checkpoints WHERE job_id = $1`, jobID).
			Scan(&c.JobID, &state, &c.CurrentStep, &c.ExecutedNodes, &c.UpdatedAt)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: job %s", domain.ErrCheckpointNotFound, jobID))
		}
		c.State = domain.CheckpointState(state)
		cp = &c
		return nil
	})
	return cp, err
}

// Delete removes the checkpoint. Missing rows error so callers can decide
// whether absence matters.
func (s *CheckpointStore) Delete(ctx context.Context, jobID string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s", domain.ErrCheckpointNotFound, jobID)
		}
		return nil
	})
}
