package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/botfleet/internal/domain"
)

func newJob(priority int, variables map[string]any) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:           uuid.Must(uuid.NewV7()).String(),
		WorkflowID:   "wf-invoices",
		WorkflowName: "invoice processing",
		Variables:    variables,
		Priority:     priority,
		VisibleAfter: now,
		CreatedAt:    now,
		Status:       domain.JobStatusPending,
		MaxRetries:   3,
	}
}

func TestClaimOrdering(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	low1 := newJob(5, map[string]any{"n": 1})
	high := newJob(10, map[string]any{"n": 2})
	low2 := newJob(5, map[string]any{"n": 3})
	for _, j := range []*domain.Job{low1, high, low2} {
		require.NoError(t, store.Jobs.Enqueue(ctx, j, false))
		time.Sleep(5 * time.Millisecond) // distinct created_at for the tie-break
	}

	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	// Highest priority first, then oldest within a priority.
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low1.ID, claimed[1].ID)
	assert.Equal(t, low2.ID, claimed[2].ID)
	for _, j := range claimed {
		assert.Equal(t, domain.JobStatusClaimed, j.Status)
	}
}

func TestClaimRespectsVisibility(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	delayed := newJob(10, nil)
	delayed.VisibleAfter = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.Jobs.Enqueue(ctx, delayed, false))

	ready := newJob(0, map[string]any{"ready": true})
	require.NoError(t, store.Jobs.Enqueue(ctx, ready, false))

	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ready.ID, claimed[0].ID)

	depth, err := store.Jobs.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "the delayed job must not count as visible")
}

func TestEnqueueDeduplication(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	vars := map[string]any{"invoice": "A-100"}
	first := newJob(0, vars)
	require.NoError(t, store.Jobs.Enqueue(ctx, first, true))

	dup := newJob(0, vars)
	err := store.Jobs.Enqueue(ctx, dup, true)
	require.ErrorIs(t, err, domain.ErrDuplicateJob)

	// A terminal twin no longer blocks resubmission.
	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.Jobs.Complete(ctx, first.ID))

	again := newJob(0, vars)
	require.NoError(t, store.Jobs.Enqueue(ctx, again, true))
}

func TestHandOffPreconditionAfterRelease(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := newJob(0, nil)
	require.NoError(t, store.Jobs.Enqueue(ctx, job, false))

	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Jobs.Release(ctx, job.ID, 0))

	err = store.Jobs.HandOff(ctx, job.ID, "orchestrator", "robot-1")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestRequeueForRetryConsumesBudget(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := newJob(0, nil)
	job.MaxRetries = 1
	require.NoError(t, store.Jobs.Enqueue(ctx, job, false))

	_, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.NoError(t, store.Jobs.RequeueForRetry(ctx, job.ID, 0, "network flake"))

	requeued, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, "network flake", requeued.LastError)

	// Budget spent: the next requeue fails the precondition.
	_, err = store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	err = store.Jobs.RequeueForRetry(ctx, job.ID, 0, "still failing")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestPromoteToDLQAndReplay(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := newJob(3, map[string]any{"invoice": "B-7"})
	require.NoError(t, store.Jobs.Enqueue(ctx, job, false))
	_, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.NoError(t, store.Checkpoints.Save(ctx, &domain.Checkpoint{
		JobID: job.ID, State: domain.CheckpointStatePending, CurrentStep: 1,
	}))

	require.NoError(t, store.Jobs.PromoteToDLQ(ctx, job.ID, "retries exhausted"))

	// The dead letter entry is now the only record of the job.
	_, err = store.Jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Checkpoints.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	entries, err := store.DeadLetters.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, "retries exhausted", entries[0].FinalError)

	replayID, err := store.DeadLetters.Replay(ctx, entries[0].ID)
	require.NoError(t, err)
	replayed, err := store.Jobs.Get(ctx, replayID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, replayed.Status)
	assert.Zero(t, replayed.RetryCount)

	_, err = store.DeadLetters.Replay(ctx, entries[0].ID)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	count, err := store.DeadLetters.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "replayed entries are settled")
}

func TestReleaseExpiredClaims(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	stuck := newJob(5, map[string]any{"n": 1})
	onRobot := newJob(0, map[string]any{"n": 2})
	require.NoError(t, store.Jobs.Enqueue(ctx, stuck, false))
	require.NoError(t, store.Jobs.Enqueue(ctx, onRobot, false))

	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.Jobs.HandOff(ctx, onRobot.ID, "orchestrator", "robot-1"))

	// Zero timeout makes every existing claim expired. Only the
	// orchestrator's own stuck handoff is released wholesale.
	released, err := store.Jobs.ReleaseExpiredClaims(ctx, "orchestrator", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, released)

	back, err := store.Jobs.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, back.Status)
	assert.Nil(t, back.RobotID)

	// The robot-held claim stays claimed and surfaces for per-job recovery
	// instead.
	held, err := store.Jobs.Get(ctx, onRobot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusClaimed, held.Status)

	expired, err := store.Jobs.ListExpiredClaims(ctx, "orchestrator", 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, onRobot.ID, expired[0].ID)
}

func TestRetryResetsTerminalJob(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := newJob(0, nil)
	require.NoError(t, store.Jobs.Enqueue(ctx, job, false))
	_, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.NoError(t, store.Jobs.MarkFailed(ctx, job.ID, "boom"))

	require.NoError(t, store.Jobs.Retry(ctx, job.ID))
	fresh, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, fresh.Status)
	assert.Zero(t, fresh.RetryCount)

	// Pending jobs are not retryable.
	err = store.Jobs.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotRetryable)
}

func TestQueueStats(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Jobs.Enqueue(ctx, newJob(0, map[string]any{"n": 1}), false))
	require.NoError(t, store.Jobs.Enqueue(ctx, newJob(0, map[string]any{"n": 2}), false))
	claimed, err := store.Jobs.Claim(ctx, "orchestrator", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stats, err := store.Jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[domain.JobStatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.JobStatusClaimed])
	assert.Equal(t, 1, stats.Depth)
	assert.GreaterOrEqual(t, stats.OldestPendingAge, time.Duration(0))
}
