package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/botfleet/internal/domain"
)

type mockQueue struct {
	ListByRobotFunc       func(ctx context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error)
	ListRunningSinceFunc  func(ctx context.Context, startedBefore time.Time) ([]*domain.Job, error)
	ListExpiredClaimsFunc func(ctx context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error)
	ReleaseFunc           func(ctx context.Context, jobID string, delay time.Duration) error
	RequeueForRetryFunc   func(ctx context.Context, jobID string, delay time.Duration, cause string) error
	PromoteToDLQFunc      func(ctx context.Context, jobID, reason string) error
	ReleaseExpiredFunc    func(ctx context.Context, holder string, timeout time.Duration) (int64, error)
	RetryFunc             func(ctx context.Context, jobID string) error
	CancelFunc            func(ctx context.Context, jobID string) error
	CompleteFunc          func(ctx context.Context, jobID string) error
}

func (m *mockQueue) ListByRobot(ctx context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error) {
	return m.ListByRobotFunc(ctx, robotID, statuses)
}

func (m *mockQueue) ListRunningSince(ctx context.Context, startedBefore time.Time) ([]*domain.Job, error) {
	if m.ListRunningSinceFunc == nil {
		return nil, nil
	}
	return m.ListRunningSinceFunc(ctx, startedBefore)
}

func (m *mockQueue) ListExpiredClaims(ctx context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error) {
	if m.ListExpiredClaimsFunc == nil {
		return nil, nil
	}
	return m.ListExpiredClaimsFunc(ctx, excludeHolder, timeout)
}

func (m *mockQueue) Release(ctx context.Context, jobID string, delay time.Duration) error {
	return m.ReleaseFunc(ctx, jobID, delay)
}

func (m *mockQueue) RequeueForRetry(ctx context.Context, jobID string, delay time.Duration, cause string) error {
	return m.RequeueForRetryFunc(ctx, jobID, delay, cause)
}

func (m *mockQueue) PromoteToDLQ(ctx context.Context, jobID, reason string) error {
	return m.PromoteToDLQFunc(ctx, jobID, reason)
}

func (m *mockQueue) ReleaseExpiredClaims(ctx context.Context, holder string, timeout time.Duration) (int64, error) {
	if m.ReleaseExpiredFunc == nil {
		return 0, nil
	}
	return m.ReleaseExpiredFunc(ctx, holder, timeout)
}

func (m *mockQueue) Retry(ctx context.Context, jobID string) error {
	if m.RetryFunc == nil {
		return nil
	}
	return m.RetryFunc(ctx, jobID)
}

func (m *mockQueue) Cancel(ctx context.Context, jobID string) error {
	if m.CancelFunc == nil {
		return nil
	}
	return m.CancelFunc(ctx, jobID)
}

func (m *mockQueue) Complete(ctx context.Context, jobID string) error {
	if m.CompleteFunc == nil {
		return nil
	}
	return m.CompleteFunc(ctx, jobID)
}

type mockRegistry struct {
	ListStaleFunc  func(ctx context.Context) ([]*domain.Robot, error)
	MarkFailedFunc func(ctx context.Context, robotID string) error
}

func (m *mockRegistry) ListStale(ctx context.Context) ([]*domain.Robot, error) {
	return m.ListStaleFunc(ctx)
}

func (m *mockRegistry) MarkFailed(ctx context.Context, robotID string) error {
	return m.MarkFailedFunc(ctx, robotID)
}

type mockCheckpoints struct {
	GetFunc func(ctx context.Context, jobID string) (*domain.Checkpoint, error)
}

func (m *mockCheckpoints) Get(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	if m.GetFunc == nil {
		return nil, domain.ErrCheckpointNotFound
	}
	return m.GetFunc(ctx, jobID)
}

type mockEscalations struct {
	ListPendingFunc func(ctx context.Context) ([]*domain.Escalation, error)
	ExpireFunc      func(ctx context.Context, id, action string) error
}

func (m *mockEscalations) ListPending(ctx context.Context) ([]*domain.Escalation, error) {
	if m.ListPendingFunc == nil {
		return nil, nil
	}
	return m.ListPendingFunc(ctx)
}

func (m *mockEscalations) Expire(ctx context.Context, id, action string) error {
	if m.ExpireFunc == nil {
		return nil
	}
	return m.ExpireFunc(ctx, id, action)
}

func runningJob(id string, retries, max int) *domain.Job {
	return &domain.Job{ID: id, Status: domain.JobStatusRunning, RetryCount: retries, MaxRetries: max}
}

func TestRecoverRobot_ResumesFromPendingCheckpoint(t *testing.T) {
	var released string
	queue := &mockQueue{
		ListByRobotFunc: func(_ context.Context, robotID string, statuses []domain.JobStatus) ([]*domain.Job, error) {
			assert.Equal(t, "r-1", robotID)
			assert.ElementsMatch(t, []domain.JobStatus{domain.JobStatusClaimed, domain.JobStatusRunning}, statuses)
			return []*domain.Job{runningJob("j1", 2, 5)}, nil
		},
		ReleaseFunc: func(_ context.Context, jobID string, delay time.Duration) error {
			released = jobID
			// Resume waits the default requeue delay, not zero, so a crashed
			// robot's claim has fully settled before redispatch.
			assert.Equal(t, 10*time.Second, delay)
			return nil
		},
		RequeueForRetryFunc: func(context.Context, string, time.Duration, string) error {
			t.Fatal("resume must not consume a retry")
			return nil
		},
	}
	registry := &mockRegistry{
		MarkFailedFunc: func(_ context.Context, robotID string) error {
			assert.Equal(t, "r-1", robotID)
			return nil
		},
	}
	checkpoints := &mockCheckpoints{
		GetFunc: func(_ context.Context, jobID string) (*domain.Checkpoint, error) {
			return &domain.Checkpoint{JobID: jobID, State: domain.CheckpointStatePending, CurrentStep: 3}, nil
		},
	}

	m := New(queue, registry, checkpoints, nil, Config{CheckpointRecovery: true})

	results, err := m.RecoverRobot(context.Background(), "r-1", "heartbeat timeout")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeResumedFromCheckpoint, results[0].Outcome)
	assert.Equal(t, "j1", released)
}

func TestRecoverRobot_RunningCheckpointIsNotResumable(t *testing.T) {
	var requeued string
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return []*domain.Job{runningJob("j1", 0, 5)}, nil
		},
		RequeueForRetryFunc: func(_ context.Context, jobID string, delay time.Duration, _ string) error {
			requeued = jobID
			// First retry reads the first rung of the ladder, jittered +/-20%.
			assert.GreaterOrEqual(t, delay, 8*time.Second)
			assert.LessOrEqual(t, delay, 12*time.Second)
			return nil
		},
	}
	registry := &mockRegistry{MarkFailedFunc: func(context.Context, string) error { return nil }}
	checkpoints := &mockCheckpoints{
		GetFunc: func(_ context.Context, jobID string) (*domain.Checkpoint, error) {
			return &domain.Checkpoint{JobID: jobID, State: domain.CheckpointStateRunning}, nil
		},
	}

	m := New(queue, registry, checkpoints, nil, Config{CheckpointRecovery: true})

	results, err := m.RecoverRobot(context.Background(), "r-1", "heartbeat timeout")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeRequeuedForRetry, results[0].Outcome)
	assert.Equal(t, "j1", requeued)
}

func TestRecoverRobot_ExhaustedBudgetMovesToDLQ(t *testing.T) {
	var promoted, reason string
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return []*domain.Job{runningJob("j1", 5, 5)}, nil
		},
		PromoteToDLQFunc: func(_ context.Context, jobID, r string) error {
			promoted, reason = jobID, r
			return nil
		},
	}
	registry := &mockRegistry{MarkFailedFunc: func(context.Context, string) error { return nil }}

	var events []domain.Event
	sink := domain.EventSinkFunc(func(e domain.Event) { events = append(events, e) })
	m := New(queue, registry, &mockCheckpoints{}, nil, Config{CheckpointRecovery: true}, WithEventSink(sink))

	results, err := m.RecoverRobot(context.Background(), "r-1", "heartbeat timeout")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMovedToDLQ, results[0].Outcome)
	assert.Equal(t, "j1", promoted)
	assert.Equal(t, "heartbeat timeout", reason)

	var kinds []domain.EventType
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Contains(t, kinds, domain.EventRobotStatus)
	assert.Contains(t, kinds, domain.EventJobDeadLettered)
}

func TestRecoverRobot_PreconditionFailureIsIdempotent(t *testing.T) {
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return []*domain.Job{runningJob("j1", 1, 5)}, nil
		},
		RequeueForRetryFunc: func(context.Context, string, time.Duration, string) error {
			// Another replica requeued the job between list and update.
			return domain.ErrPreconditionFailed
		},
	}
	registry := &mockRegistry{MarkFailedFunc: func(context.Context, string) error { return nil }}

	m := New(queue, registry, &mockCheckpoints{}, nil, Config{})

	results, err := m.RecoverRobot(context.Background(), "r-1", "manual")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAlreadyRecovered, results[0].Outcome)
	assert.NoError(t, results[0].Err)
}

func TestRunOnce_SweepsStaleRobotsAndTimedOutJobs(t *testing.T) {
	var failed []string
	var requeued []string
	queue := &mockQueue{
		ListByRobotFunc: func(_ context.Context, robotID string, _ []domain.JobStatus) ([]*domain.Job, error) {
			return []*domain.Job{runningJob("j-"+robotID, 0, 3)}, nil
		},
		ListRunningSinceFunc: func(_ context.Context, startedBefore time.Time) ([]*domain.Job, error) {
			assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), startedBefore, 5*time.Second)
			return []*domain.Job{runningJob("j-wedged", 0, 3)}, nil
		},
		RequeueForRetryFunc: func(_ context.Context, jobID string, _ time.Duration, _ string) error {
			requeued = append(requeued, jobID)
			return nil
		},
		ReleaseExpiredFunc: func(_ context.Context, holder string, timeout time.Duration) (int64, error) {
			assert.Equal(t, "orchestrator", holder)
			assert.Equal(t, 30*time.Second, timeout)
			return 2, nil
		},
	}
	registry := &mockRegistry{
		ListStaleFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{{ID: "r-1"}, {ID: "r-2"}}, nil
		},
		MarkFailedFunc: func(_ context.Context, robotID string) error {
			failed = append(failed, robotID)
			return nil
		},
	}

	m := New(queue, registry, &mockCheckpoints{}, nil, Config{JobTimeout: time.Hour})

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, []string{"r-1", "r-2"}, failed)
	assert.Equal(t, []string{"j-r-1", "j-r-2", "j-wedged"}, requeued)
}

func TestRunOnce_ExpiredRobotClaimConsumesRetry(t *testing.T) {
	// A robot that claims a job and goes quiet before starting it must not
	// get a free release: the claim expiry routes through per-job recovery.
	var requeued []string
	job := &domain.Job{ID: "j-stuck", Status: domain.JobStatusClaimed, RetryCount: 0, MaxRetries: 3}
	queue := &mockQueue{
		ListExpiredClaimsFunc: func(_ context.Context, excludeHolder string, timeout time.Duration) ([]*domain.Job, error) {
			assert.Equal(t, "orchestrator", excludeHolder)
			assert.Equal(t, 30*time.Second, timeout)
			return []*domain.Job{job}, nil
		},
		ReleaseFunc: func(context.Context, string, time.Duration) error {
			t.Fatal("an expired robot claim must not be released without consuming a retry")
			return nil
		},
		RequeueForRetryFunc: func(_ context.Context, jobID string, _ time.Duration, cause string) error {
			requeued = append(requeued, jobID)
			assert.Equal(t, "visibility timeout", cause)
			return nil
		},
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return nil, nil
		},
	}
	registry := &mockRegistry{
		ListStaleFunc: func(context.Context) ([]*domain.Robot, error) { return nil, nil },
	}

	m := New(queue, registry, &mockCheckpoints{}, nil, Config{})

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, []string{"j-stuck"}, requeued)
}

func TestRunOnce_TimedOutEscalationAppliesDefaultAction(t *testing.T) {
	var expired, expiredAction string
	var retried string
	escalations := &mockEscalations{
		ListPendingFunc: func(context.Context) ([]*domain.Escalation, error) {
			return []*domain.Escalation{
				{
					ID:            "e-old",
					JobID:         "j1",
					RaisedAt:      time.Now().UTC().Add(-time.Hour),
					Timeout:       30 * time.Minute,
					DefaultAction: "retry",
					Status:        domain.EscalationPending,
				},
				{
					ID:            "e-fresh",
					JobID:         "j2",
					RaisedAt:      time.Now().UTC(),
					Timeout:       30 * time.Minute,
					DefaultAction: "abort",
					Status:        domain.EscalationPending,
				},
				{
					// No timeout waits for a human forever.
					ID:       "e-open",
					JobID:    "j3",
					RaisedAt: time.Now().UTC().Add(-24 * time.Hour),
					Status:   domain.EscalationPending,
				},
			}, nil
		},
		ExpireFunc: func(_ context.Context, id, action string) error {
			expired, expiredAction = id, action
			return nil
		},
	}
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return nil, nil
		},
		RetryFunc: func(_ context.Context, jobID string) error {
			retried = jobID
			return nil
		},
		CancelFunc: func(context.Context, string) error {
			t.Fatal("escalations still inside their window must stay untouched")
			return nil
		},
	}
	registry := &mockRegistry{
		ListStaleFunc: func(context.Context) ([]*domain.Robot, error) { return nil, nil },
	}

	m := New(queue, registry, &mockCheckpoints{}, escalations, Config{})

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, "e-old", expired)
	assert.Equal(t, "retry", expiredAction)
	assert.Equal(t, "j1", retried)
}

func TestRunOnce_EscalationExpireRaceIsIdempotent(t *testing.T) {
	escalations := &mockEscalations{
		ListPendingFunc: func(context.Context) ([]*domain.Escalation, error) {
			return []*domain.Escalation{{
				ID:            "e1",
				JobID:         "j1",
				RaisedAt:      time.Now().UTC().Add(-time.Hour),
				Timeout:       time.Minute,
				DefaultAction: "retry",
				Status:        domain.EscalationPending,
			}}, nil
		},
		ExpireFunc: func(context.Context, string, string) error {
			// An operator resolved it between list and expire.
			return domain.ErrPreconditionFailed
		},
	}
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return nil, nil
		},
		RetryFunc: func(context.Context, string) error {
			t.Fatal("a settled escalation must not reach the job")
			return nil
		},
	}
	registry := &mockRegistry{
		ListStaleFunc: func(context.Context) ([]*domain.Robot, error) { return nil, nil },
	}

	m := New(queue, registry, &mockCheckpoints{}, escalations, Config{})

	require.NoError(t, m.RunOnce(context.Background()))
}

func TestRecoverRobot_CheckpointRecoveryDisabled(t *testing.T) {
	var requeued bool
	queue := &mockQueue{
		ListByRobotFunc: func(context.Context, string, []domain.JobStatus) ([]*domain.Job, error) {
			return []*domain.Job{runningJob("j1", 0, 5)}, nil
		},
		RequeueForRetryFunc: func(context.Context, string, time.Duration, string) error {
			requeued = true
			return nil
		},
	}
	registry := &mockRegistry{MarkFailedFunc: func(context.Context, string) error { return nil }}
	checkpoints := &mockCheckpoints{
		GetFunc: func(context.Context, string) (*domain.Checkpoint, error) {
			t.Fatal("checkpoints must not be read when recovery from them is disabled")
			return nil, nil
		},
	}

	m := New(queue, registry, checkpoints, nil, Config{CheckpointRecovery: false})

	results, err := m.RecoverRobot(context.Background(), "r-1", "manual")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeRequeuedForRetry, results[0].Outcome)
	assert.True(t, requeued)
}
