package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/domain"
)

// EscalationStore persists pending human decisions.
type EscalationStore struct {
	pool *pgxpool.Pool
}

const escalationColumns = `id, job_id, robot_id, node_id, message, severity, raised_at,
	timeout_seconds, default_action, status, resolved_at, resolved_by, resolution_action`

func scanEscalation(row pgx.Row) (*domain.Escalation, error) {
	var e domain.Escalation
	var status string
	var timeoutSeconds int64
	err := row.Scan(
		&e.ID, &e.JobID, &e.RobotID, &e.NodeID, &e.Message, &e.Severity,
		&e.RaisedAt, &timeoutSeconds, &e.DefaultAction, &status,
		&e.ResolvedAt, &e.ResolvedBy, &e.ResolutionAction,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EscalationStatus(status)
	e.Timeout = time.Duration(timeoutSeconds) * time.Second
	return &e, nil
}

// Create inserts the escalation as pending.
func (s *EscalationStore) Create(ctx context.Context, e *domain.Escalation) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO escalations (id, job_id, robot_id, node_id, message, severity,
				raised_at, timeout_seconds, default_action, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')`,
			e.ID, e.JobID, e.RobotID, e.NodeID, e.Message, e.Severity,
			e.RaisedAt, int64(e.Timeout/time.Second), e.DefaultAction)
		if err != nil {
			return fmt.Errorf("failed to insert escalation %s: %w", e.ID, err)
		}
		return nil
	})
}

// Get returns one escalation.
func (s *EscalationStore) Get(ctx context.Context, id string) (*domain.Escalation, error) {
	var escalation *domain.Escalation
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM escalations WHERE id = $1`, escalationColumns), id)
		e, err := scanEscalation(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: %s", domain.ErrEscalationNotFound, id))
		}
		escalation = e
		return nil
	})
	return escalation, err
}

// ListPending returns unresolved escalations oldest first.
func (s *EscalationStore) ListPending(ctx context.Context) ([]*domain.Escalation, error) {
	var escalations []*domain.Escalation
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM escalations
			WHERE status = 'pending'
			ORDER BY raised_at ASC`, escalationColumns))
		if err != nil {
			return fmt.Errorf("failed to list pending escalations: %w", err)
		}
		defer rows.Close()
		escalations = nil
		for rows.Next() {
			e, err := scanEscalation(rows)
			if err != nil {
				return fmt.Errorf("failed to scan escalation row: %w", err)
			}
			escalations = append(escalations, e)
		}
		return rows.Err()
	})
	return escalations, err
}

// Resolve records the operator decision. Resolving twice fails the
// precondition.
func (s *EscalationStore) Resolve(ctx context.Context, id, resolvedBy, action string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE escalations SET status = 'resolved', resolved_at = now(),
				resolved_by = $2, resolution_action = $3
			WHERE id = $1 AND status = 'pending'`,
			id, resolvedBy, action)
		if err != nil {
			return fmt.Errorf("failed to resolve escalation %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: escalation %s already settled", domain.ErrPreconditionFailed, id)
		}
		return nil
	})
}

// Expire settles an escalation nobody answered in time, recording the default
// action that was applied. Expiring a settled escalation fails the
// precondition, which keeps concurrent recovery passes idempotent.
func (s *EscalationStore) Expire(ctx context.Context, id, action string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE escalations SET status = 'expired', resolved_at = now(),
				resolution_action = $2
			WHERE id = $1 AND status = 'pending'`,
			id, action)
		if err != nil {
			return fmt.Errorf("failed to expire escalation %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: escalation %s already settled", domain.ErrPreconditionFailed, id)
		}
		return nil
	})
}
