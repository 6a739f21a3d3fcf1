package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/botfleet/internal/domain"
)

// RobotStore is the executor registry. Load counters are guarded in SQL so two
// dispatchers racing for the last slot cannot both win.
type RobotStore struct {
	pool             *pgxpool.Pool
	heartbeatTimeout time.Duration
}

const robotColumns = `id, name, environment, tags, affinity_key, status,
	current_job_count, max_concurrent_jobs, last_heartbeat, registered_at`

func scanRobot(row pgx.Row) (*domain.Robot, error) {
	var robot domain.Robot
	var status string
	err := row.Scan(
		&robot.ID, &robot.Name, &robot.Environment, &robot.Tags, &robot.AffinityKey,
		&status, &robot.CurrentJobCount, &robot.MaxConcurrentJobs,
		&robot.LastHeartbeat, &robot.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	robot.Status = domain.RobotStatus(status)
	return &robot, nil
}

func (s *RobotStore) collect(rows pgx.Rows) ([]*domain.Robot, error) {
	defer rows.Close()
	var robots []*domain.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot row: %w", err)
		}
		robots = append(robots, robot)
	}
	return robots, rows.Err()
}

// Register inserts or refreshes a robot row. Re-registration resets the load
// counter and brings the robot online; the stored state is returned.
func (s *RobotStore) Register(ctx context.Context, robot *domain.Robot) (*domain.Robot, error) {
	tags := robot.Tags
	if tags == nil {
		tags = []string{}
	}
	var stored *domain.Robot
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO robots (id, name, environment, tags, affinity_key, status,
				current_job_count, max_concurrent_jobs, last_heartbeat, registered_at)
			VALUES ($1, $2, $3, $4, $5, 'online', 0, $6, now(), now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				environment = EXCLUDED.environment,
				tags = EXCLUDED.tags,
				affinity_key = EXCLUDED.affinity_key,
				status = 'online',
				current_job_count = 0,
				max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
				last_heartbeat = now()
			RETURNING %s`, robotColumns),
			robot.ID, robot.Name, robot.Environment, tags, robot.AffinityKey, robot.MaxConcurrentJobs)
		r, err := scanRobot(row)
		if err != nil {
			return fmt.Errorf("failed to register robot %s: %w", robot.ID, err)
		}
		stored = r
		return nil
	})
	return stored, err
}

// Heartbeat stamps last_heartbeat. Unknown robots are a no-op so a robot
// deregistered by an operator does not error its way through shutdown.
func (s *RobotStore) Heartbeat(ctx context.Context, robotID string) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE robots SET last_heartbeat = now() WHERE id = $1`, robotID)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat for robot %s: %w", robotID, err)
		}
		return nil
	})
}

// SetStatus updates the registry status.
func (s *RobotStore) SetStatus(ctx context.Context, robotID string, status domain.RobotStatus) error {
	return s.guarded(ctx, robotID,
		`UPDATE robots SET status = $2 WHERE id = $1`, robotID, string(status))
}

// MarkFailed sets status failed and zeroes the load counter. The robot's jobs
// are recovered separately; a failed robot must not look loaded.
func (s *RobotStore) MarkFailed(ctx context.Context, robotID string) error {
	return s.guarded(ctx, robotID, `
		UPDATE robots SET status = 'failed', current_job_count = 0
		WHERE id = $1`, robotID)
}

// IncrementLoad adds one to the load counter, guarded by the concurrency cap.
func (s *RobotStore) IncrementLoad(ctx context.Context, robotID string) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE robots SET current_job_count = current_job_count + 1
			WHERE id = $1 AND current_job_count < max_concurrent_jobs`, robotID)
		if err != nil {
			return fmt.Errorf("failed to increment load of robot %s: %w", robotID, err)
		}
		if tag.RowsAffected() == 0 {
			if _, getErr := s.Get(ctx, robotID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: robot %s", domain.ErrCapacityExceeded, robotID)
		}
		return nil
	})
}

// DecrementLoad subtracts one from the load counter, floored at zero.
func (s *RobotStore) DecrementLoad(ctx context.Context, robotID string) error {
	return s.guarded(ctx, robotID, `
		UPDATE robots SET current_job_count = greatest(current_job_count - 1, 0)
		WHERE id = $1`, robotID)
}

// Get returns one robot.
func (s *RobotStore) Get(ctx context.Context, robotID string) (*domain.Robot, error) {
	var robot *domain.Robot
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM robots WHERE id = $1`, robotColumns), robotID)
		r, err := scanRobot(row)
		if err != nil {
			return notFound(err, fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID))
		}
		robot = r
		return nil
	})
	return robot, err
}

// List returns all robots ordered by ID.
func (s *RobotStore) List(ctx context.Context) ([]*domain.Robot, error) {
	var robots []*domain.Robot
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM robots ORDER BY id`, robotColumns))
		if err != nil {
			return fmt.Errorf("failed to list robots: %w", err)
		}
		robots, err = s.collect(rows)
		return err
	})
	return robots, err
}

// ListDispatchable returns robots eligible to receive work: live status, spare
// capacity, and a heartbeat within the timeout.
func (s *RobotStore) ListDispatchable(ctx context.Context) ([]*domain.Robot, error) {
	var robots []*domain.Robot
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM robots
			WHERE status IN ('online', 'busy')
				AND current_job_count < max_concurrent_jobs
				AND last_heartbeat > now() - $1
			ORDER BY id`, robotColumns), s.heartbeatTimeout)
		if err != nil {
			return fmt.Errorf("failed to list dispatchable robots: %w", err)
		}
		robots, err = s.collect(rows)
		return err
	})
	return robots, err
}

// ListStale returns live robots whose heartbeat is older than the timeout.
func (s *RobotStore) ListStale(ctx context.Context) ([]*domain.Robot, error) {
	var robots []*domain.Robot
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM robots
			WHERE status IN ('online', 'busy')
				AND last_heartbeat < now() - $1
			ORDER BY id`, robotColumns), s.heartbeatTimeout)
		if err != nil {
			return fmt.Errorf("failed to list stale robots: %w", err)
		}
		robots, err = s.collect(rows)
		return err
	})
	return robots, err
}

func (s *RobotStore) guarded(ctx context.Context, robotID, query string, args ...any) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update robot %s: %w", robotID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
		}
		return nil
	})
}
