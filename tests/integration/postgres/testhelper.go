package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/botfleet/internal/config"
	"github.com/rezkam/botfleet/internal/infrastructure/persistence/postgres"
)

// SetupTestStore connects to the test database, applies migrations, and
// returns the store with a cleanup function. Tests skip when
// BOTFLEET_TEST_DSN is unset.
func SetupTestStore(t *testing.T) (*postgres.Store, func()) {
	t.Helper()

	cfg, err := config.LoadTestConfig()
	if err != nil {
		t.Skipf("skipping integration test: %v (set BOTFLEET_TEST_DSN to run)", err)
	}
	require.NoError(t, cfg.Queue.Validate())

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	require.NoError(t, err)

	require.NoError(t, postgres.RunMigrations(pool))

	store := postgres.NewStore(pool, cfg.Queue, cfg.Recovery)

	cleanup := func() {
		pool.Exec(ctx, `TRUNCATE TABLE jobs, job_dlq, robots, checkpoints,
			schedules, schedule_executions, escalations, leases CASCADE`)
		store.Close()
	}
	return store, cleanup
}
