package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaseStore is a small advisory lease table used to keep periodic work from
// running on every replica at once. Losing a lease race is normal and reported
// through the boolean, not an error.
type LeaseStore struct {
	pool *pgxpool.Pool
}

// TryAcquire takes or refreshes the named lease. The upsert only wins when the
// lease is expired or already held by the same holder.
func (s *LeaseStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := withRetry(ctx, func() error {
		var got string
		err := s.pool.QueryRow(ctx, `
			INSERT INTO leases (name, holder, expires_at)
			VALUES ($1, $2, now() + $3)
			ON CONFLICT (name) DO UPDATE SET
				holder = EXCLUDED.holder,
				expires_at = EXCLUDED.expires_at
			WHERE leases.expires_at < now() OR leases.holder = EXCLUDED.holder
			RETURNING holder`, name, holder, ttl).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			acquired = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to acquire lease %s: %w", name, err)
		}
		acquired = got == holder
		return nil
	})
	return acquired, err
}

// Release drops the lease if this holder still owns it.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
		if err != nil {
			return fmt.Errorf("failed to release lease %s: %w", name, err)
		}
		return nil
	})
}
