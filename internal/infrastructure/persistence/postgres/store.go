package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/config"
	"github.com/rezkam/botfleet/internal/domain"
)

// Store bundles the per-table stores over one connection pool.
type Store struct {
	pool *pgxpool.Pool

	Jobs        *JobStore
	DeadLetters *DeadLetterStore
	Robots      *RobotStore
	Checkpoints *CheckpointStore
	Schedules   *ScheduleStore
	Escalations *EscalationStore
	Leases      *LeaseStore
}

// NewStore wires the per-table stores.
func NewStore(pool *pgxpool.Pool, queueCfg config.QueueConfig, recoveryCfg config.RecoveryConfig) *Store {
	return &Store{
		pool:        pool,
		Jobs:        &JobStore{pool: pool},
		DeadLetters: &DeadLetterStore{pool: pool},
		Robots:      &RobotStore{pool: pool, heartbeatTimeout: recoveryCfg.HeartbeatTimeout},
		Checkpoints: &CheckpointStore{pool: pool},
		Schedules:   &ScheduleStore{pool: pool},
		Escalations: &EscalationStore{pool: pool},
		Leases:      &LeaseStore{pool: pool},
	}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Serialization conflicts and deadlocks are retried by the caller.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isRetriable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// withRetry runs a store operation, retrying briefly on errors that are safe
// to retry. Anything else surfaces immediately; errors still retriable after
// the budget surface wrapped as transient.
func withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if isRetriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if err != nil && isRetriable(err) {
		return domain.Transient(err)
	}
	return err
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
