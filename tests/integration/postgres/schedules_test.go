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

func newSchedule(name string, nextRun time.Time) *domain.Schedule {
	now := time.Now().UTC()
	return &domain.Schedule{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Name:            name,
		WorkflowID:      "wf-invoices",
		Frequency:       domain.FrequencyInterval,
		IntervalSeconds: 300,
		Priority:        5,
		Enabled:         true,
		NextRun:         &nextRun,
		CreatedAt:       now,
	}
}

func TestAdvanceNextRunIsExactlyOnce(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	due := time.Now().UTC().Truncate(time.Microsecond)
	sched := newSchedule("hourly-report", due)
	require.NoError(t, store.Schedules.Create(ctx, sched))

	next := due.Add(5 * time.Minute)
	advanced, err := store.Schedules.AdvanceNextRun(ctx, sched.ID, due, &next, due)
	require.NoError(t, err)
	assert.True(t, advanced)

	// A second claimant observing the same stale next_run loses.
	advanced, err = store.Schedules.AdvanceNextRun(ctx, sched.ID, due, &next, due)
	require.NoError(t, err)
	assert.False(t, advanced)

	stored, err := store.Schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(next))
	require.NotNil(t, stored.LastRun)
	assert.Equal(t, 1, stored.RunCount)
}

func TestAdvanceToNilDisables(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	due := time.Now().UTC().Truncate(time.Microsecond)
	sched := newSchedule("one-shot", due)
	sched.Frequency = domain.FrequencyOnce
	sched.IntervalSeconds = 0
	sched.RunAt = &due
	require.NoError(t, store.Schedules.Create(ctx, sched))

	advanced, err := store.Schedules.AdvanceNextRun(ctx, sched.ID, due, nil, due)
	require.NoError(t, err)
	assert.True(t, advanced)

	stored, err := store.Schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.NextRun)

	due2, err := store.Schedules.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due2, "exhausted schedules never come due again")
}

func TestRecordOutcomeClosesHistory(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	due := time.Now().UTC().Truncate(time.Microsecond)
	sched := newSchedule("nightly-sync", due)
	require.NoError(t, store.Schedules.Create(ctx, sched))

	jobID := uuid.Must(uuid.NewV7()).String()
	require.NoError(t, store.Schedules.RecordExecution(ctx, &domain.ScheduleExecution{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ScheduleID: sched.ID,
		JobID:      jobID,
		StartedAt:  due,
		Outcome:    "submitted",
	}))

	require.NoError(t, store.Schedules.RecordOutcome(ctx, sched.ID, jobID, true))

	stored, err := store.Schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SuccessCount)
	assert.Zero(t, stored.FailureCount)

	execs, err := store.Schedules.ListExecutions(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "completed", execs[0].Outcome)
}

func TestCountActiveJobs(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	due := time.Now().UTC().Truncate(time.Microsecond)
	sched := newSchedule("batch-export", due)
	require.NoError(t, store.Schedules.Create(ctx, sched))

	active := newJob(0, map[string]any{"n": 1})
	active.ScheduleID = sched.ID
	require.NoError(t, store.Jobs.Enqueue(ctx, active, false))

	done := newJob(0, map[string]any{"n": 2})
	done.ScheduleID = sched.ID
	require.NoError(t, store.Jobs.Enqueue(ctx, done, false))
	_, err := store.Jobs.Claim(ctx, "orchestrator", 2)
	require.NoError(t, err)
	require.NoError(t, store.Jobs.Complete(ctx, done.ID))

	count, err := store.Schedules.CountActiveJobs(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteScheduleRemovesHistory(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	due := time.Now().UTC().Truncate(time.Microsecond)
	sched := newSchedule("retiring", due)
	require.NoError(t, store.Schedules.Create(ctx, sched))
	require.NoError(t, store.Schedules.RecordExecution(ctx, &domain.ScheduleExecution{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ScheduleID: sched.ID,
		StartedAt:  due,
		Outcome:    "submitted",
	}))

	require.NoError(t, store.Schedules.Delete(ctx, sched.ID))
	_, err := store.Schedules.Get(ctx, sched.ID)
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)

	err = store.Schedules.Delete(ctx, sched.ID)
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestLeaseExclusion(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	got, err := store.Leases.TryAcquire(ctx, "scheduler", "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	// Another replica cannot steal a live lease.
	got, err = store.Leases.TryAcquire(ctx, "scheduler", "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, got)

	// The holder refreshes freely.
	got, err = store.Leases.TryAcquire(ctx, "scheduler", "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, store.Leases.Release(ctx, "scheduler", "replica-a"))
	got, err = store.Leases.TryAcquire(ctx, "scheduler", "replica-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	job := newJob(0, nil)
	require.NoError(t, store.Jobs.Enqueue(ctx, job, false))

	cp := &domain.Checkpoint{
		JobID:         job.ID,
		State:         domain.CheckpointStatePending,
		CurrentStep:   2,
		ExecutedNodes: []string{"login", "open-invoice"},
	}
	require.NoError(t, store.Checkpoints.Save(ctx, cp))

	cp.CurrentStep = 3
	cp.ExecutedNodes = append(cp.ExecutedNodes, "fill-form")
	require.NoError(t, store.Checkpoints.Save(ctx, cp))

	stored, err := store.Checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Equal(t, []string{"login", "open-invoice", "fill-form"}, stored.ExecutedNodes)
	assert.True(t, stored.Resumable())

	// A delayed write carrying an earlier step never rolls the checkpoint
	// back.
	require.NoError(t, store.Checkpoints.Save(ctx, &domain.Checkpoint{
		JobID:         job.ID,
		State:         domain.CheckpointStateRunning,
		CurrentStep:   2,
		ExecutedNodes: []string{"login", "open-invoice"},
	}))
	stored, err = store.Checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Equal(t, []string{"login", "open-invoice", "fill-form"}, stored.ExecutedNodes)

	require.NoError(t, store.Checkpoints.Delete(ctx, job.ID))
	err = store.Checkpoints.Delete(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func TestEscalationLifecycle(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	esc := &domain.Escalation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		JobID:         uuid.Must(uuid.NewV7()).String(),
		RobotID:       "r-1",
		NodeID:        "approve-payment",
		Message:       "amount above auto-approval limit",
		Severity:      domain.SeverityCritical,
		RaisedAt:      time.Now().UTC().Truncate(time.Microsecond),
		Timeout:       30 * time.Minute,
		DefaultAction: "fail",
	}
	require.NoError(t, store.Escalations.Create(ctx, esc))

	pending, err := store.Escalations.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 30*time.Minute, pending[0].Timeout)

	require.NoError(t, store.Escalations.Resolve(ctx, esc.ID, "ops@corp", "retry"))

	resolved, err := store.Escalations.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, resolved.Status)
	assert.Equal(t, "ops@corp", resolved.ResolvedBy)

	err = store.Escalations.Resolve(ctx, esc.ID, "ops@corp", "retry")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	// A settled escalation cannot expire either.
	err = store.Escalations.Expire(ctx, esc.ID, "abort")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestEscalationExpiry(t *testing.T) {
	store, cleanup := SetupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	esc := &domain.Escalation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		JobID:         uuid.Must(uuid.NewV7()).String(),
		RobotID:       "r-1",
		Message:       "no operator response",
		Severity:      domain.SeverityCritical,
		RaisedAt:      time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond),
		Timeout:       30 * time.Minute,
		DefaultAction: "abort",
	}
	require.NoError(t, store.Escalations.Create(ctx, esc))

	require.NoError(t, store.Escalations.Expire(ctx, esc.ID, esc.DefaultAction))

	settled, err := store.Escalations.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationExpired, settled.Status)
	assert.Equal(t, "abort", settled.ResolutionAction)
	require.NotNil(t, settled.ResolvedAt)

	pending, err := store.Escalations.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
