package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/botfleet/internal/domain"
)

type mockQueue struct {
	ClaimFunc   func(ctx context.Context, claimantID string, limit int) ([]*domain.Job, error)
	HandOffFunc func(ctx context.Context, jobID, fromID, robotID string) error
	ReleaseFunc func(ctx context.Context, jobID string, delay time.Duration) error
}

func (m *mockQueue) Claim(ctx context.Context, claimantID string, limit int) ([]*domain.Job, error) {
	return m.ClaimFunc(ctx, claimantID, limit)
}

func (m *mockQueue) HandOff(ctx context.Context, jobID, fromID, robotID string) error {
	return m.HandOffFunc(ctx, jobID, fromID, robotID)
}

func (m *mockQueue) Release(ctx context.Context, jobID string, delay time.Duration) error {
	return m.ReleaseFunc(ctx, jobID, delay)
}

type mockRegistry struct {
	ListDispatchableFunc func(ctx context.Context) ([]*domain.Robot, error)
	IncrementLoadFunc    func(ctx context.Context, robotID string) error
	DecrementLoadFunc    func(ctx context.Context, robotID string) error
}

func (m *mockRegistry) ListDispatchable(ctx context.Context) ([]*domain.Robot, error) {
	return m.ListDispatchableFunc(ctx)
}

func (m *mockRegistry) IncrementLoad(ctx context.Context, robotID string) error {
	return m.IncrementLoadFunc(ctx, robotID)
}

func (m *mockRegistry) DecrementLoad(ctx context.Context, robotID string) error {
	return m.DecrementLoadFunc(ctx, robotID)
}

func robot(id string, load, capacity int) *domain.Robot {
	return &domain.Robot{
		ID:                id,
		Status:            domain.RobotStatusOnline,
		CurrentJobCount:   load,
		MaxConcurrentJobs: capacity,
		LastHeartbeat:     time.Now().UTC(),
	}
}

func job(id string) *domain.Job {
	return &domain.Job{ID: id, Status: domain.JobStatusClaimed, Priority: 10}
}

func TestRunOnce_DispatchesToLeastLoaded(t *testing.T) {
	handoffs := make(map[string]string)
	queue := &mockQueue{
		ClaimFunc: func(_ context.Context, claimantID string, limit int) ([]*domain.Job, error) {
			assert.Equal(t, "dispatcher", claimantID)
			return []*domain.Job{job("j1"), job("j2")}, nil
		},
		HandOffFunc: func(_ context.Context, jobID, fromID, robotID string) error {
			handoffs[jobID] = robotID
			return nil
		},
		ReleaseFunc: func(_ context.Context, jobID string, _ time.Duration) error {
			t.Fatalf("unexpected release of %s", jobID)
			return nil
		},
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-b", 2, 4), robot("r-a", 1, 4)}, nil
		},
		IncrementLoadFunc: func(context.Context, string) error { return nil },
		DecrementLoadFunc: func(context.Context, string) error { return nil },
	}

	d, err := New(queue, registry, Config{Policy: PolicyLeastLoaded})
	require.NoError(t, err)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// r-a starts lighter and takes the first job; both robots then sit at
	// load 2 and the tie goes to the lower robot ID.
	assert.Equal(t, "r-a", handoffs["j1"])
	assert.Equal(t, "r-a", handoffs["j2"])
}

func TestRunOnce_ClaimLimitIsFreeCapacity(t *testing.T) {
	var gotLimit int
	queue := &mockQueue{
		ClaimFunc: func(_ context.Context, _ string, limit int) ([]*domain.Job, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-a", 3, 4), robot("r-b", 0, 2)}, nil
		},
	}

	d, err := New(queue, registry, Config{BatchSize: 50})
	require.NoError(t, err)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, gotLimit)
}

func TestRunOnce_NoCapacitySkipsClaim(t *testing.T) {
	queue := &mockQueue{
		ClaimFunc: func(context.Context, string, int) ([]*domain.Job, error) {
			t.Fatal("claim must not be called with zero capacity")
			return nil, nil
		},
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-a", 2, 2)}, nil
		},
	}

	d, err := New(queue, registry, Config{})
	require.NoError(t, err)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_HandoffFailureReleasesAndRollsBack(t *testing.T) {
	var released, decremented bool
	queue := &mockQueue{
		ClaimFunc: func(context.Context, string, int) ([]*domain.Job, error) {
			return []*domain.Job{job("j1")}, nil
		},
		HandOffFunc: func(context.Context, string, string, string) error {
			return errors.New("robot went away")
		},
		ReleaseFunc: func(_ context.Context, jobID string, delay time.Duration) error {
			released = true
			assert.Equal(t, "j1", jobID)
			assert.Zero(t, delay)
			return nil
		},
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-a", 0, 2)}, nil
		},
		IncrementLoadFunc: func(context.Context, string) error { return nil },
		DecrementLoadFunc: func(_ context.Context, robotID string) error {
			decremented = true
			assert.Equal(t, "r-a", robotID)
			return nil
		},
	}

	d, err := New(queue, registry, Config{})
	require.NoError(t, err)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, released)
	assert.True(t, decremented)
	assert.Equal(t, int64(1), d.Stats().HandoffFailures)
}

func TestRunOnce_CapacityRaceMovesToNextRobot(t *testing.T) {
	handoffs := make(map[string]string)
	queue := &mockQueue{
		ClaimFunc: func(context.Context, string, int) ([]*domain.Job, error) {
			return []*domain.Job{job("j1")}, nil
		},
		HandOffFunc: func(_ context.Context, jobID, _, robotID string) error {
			handoffs[jobID] = robotID
			return nil
		},
		ReleaseFunc: func(context.Context, string, time.Duration) error { return nil },
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-a", 0, 2), robot("r-b", 1, 2)}, nil
		},
		IncrementLoadFunc: func(_ context.Context, robotID string) error {
			if robotID == "r-a" {
				// Another dispatcher replica filled this robot first.
				return domain.ErrCapacityExceeded
			}
			return nil
		},
		DecrementLoadFunc: func(context.Context, string) error { return nil },
	}

	d, err := New(queue, registry, Config{Policy: PolicyLeastLoaded})
	require.NoError(t, err)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "r-b", handoffs["j1"])
}

func TestRunOnce_EventsPublished(t *testing.T) {
	var events []domain.Event
	queue := &mockQueue{
		ClaimFunc: func(context.Context, string, int) ([]*domain.Job, error) {
			return []*domain.Job{job("j1")}, nil
		},
		HandOffFunc: func(context.Context, string, string, string) error { return nil },
		ReleaseFunc: func(context.Context, string, time.Duration) error { return nil },
	}
	registry := &mockRegistry{
		ListDispatchableFunc: func(context.Context) ([]*domain.Robot, error) {
			return []*domain.Robot{robot("r-a", 0, 2)}, nil
		},
		IncrementLoadFunc: func(context.Context, string) error { return nil },
		DecrementLoadFunc: func(context.Context, string) error { return nil },
	}

	sink := domain.EventSinkFunc(func(e domain.Event) { events = append(events, e) })
	d, err := New(queue, registry, Config{}, WithEventSink(sink))
	require.NoError(t, err)

	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJobDispatched, events[0].Type)
	assert.Equal(t, "j1", events[0].JobID)
	assert.Equal(t, "r-a", events[0].RobotID)
}

func TestPickers(t *testing.T) {
	robots := []*domain.Robot{robot("r-a", 1, 4), robot("r-b", 0, 4), robot("r-c", 2, 4)}

	t.Run("least loaded", func(t *testing.T) {
		p := &LeastLoadedPicker{}
		assert.Equal(t, "r-b", p.Pick(job("j"), robots).ID)
	})

	t.Run("least loaded tie breaks on lowest id", func(t *testing.T) {
		p := &LeastLoadedPicker{}
		tied := []*domain.Robot{robot("r-a", 1, 4), robot("r-b", 1, 4)}
		assert.Equal(t, "r-a", p.Pick(job("j"), tied).ID)
	})

	t.Run("round robin cycles", func(t *testing.T) {
		p := &RoundRobinPicker{}
		assert.Equal(t, "r-a", p.Pick(job("j"), robots).ID)
		assert.Equal(t, "r-b", p.Pick(job("j"), robots).ID)
		assert.Equal(t, "r-c", p.Pick(job("j"), robots).ID)
		assert.Equal(t, "r-a", p.Pick(job("j"), robots).ID)
	})

	t.Run("random stays within candidates", func(t *testing.T) {
		p := &RandomPicker{}
		for i := 0; i < 20; i++ {
			got := p.Pick(job("j"), robots)
			require.NotNil(t, got)
		}
		assert.Nil(t, p.Pick(job("j"), nil))
	})

	t.Run("affinity matches tag", func(t *testing.T) {
		p := &AffinityPicker{}
		tagged := robot("r-c", 3, 4)
		tagged.Tags = []string{"finance-desktop"}
		j := job("j")
		j.AffinityKey = "finance-desktop"
		assert.Equal(t, "r-c", p.Pick(j, append(robots[:2:2], tagged)).ID)
	})

	t.Run("affinity falls back to least loaded", func(t *testing.T) {
		p := &AffinityPicker{}
		j := job("j")
		j.AffinityKey = "no-such-robot"
		assert.Equal(t, "r-b", p.Pick(j, robots).ID)
	})
}
