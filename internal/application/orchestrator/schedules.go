package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/botfleet/internal/domain"
	"github.com/rezkam/botfleet/internal/schedule"
)

// CreateSchedule validates the rule, computes its first firing instant, and
// stores it.
func (orc *Orchestrator) CreateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.Must(uuid.NewV7()).String()
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	s.LastRun = nil
	s.RunCount, s.SuccessCount, s.FailureCount = 0, 0, 0

	next, err := schedule.NextRun(now, s)
	if err != nil {
		return nil, err
	}
	s.NextRun = next
	if next == nil {
		// A ONCE rule in the past would never fire.
		return nil, fmt.Errorf("%w: schedule has no future firing instant", domain.ErrInvalidSchedule)
	}

	if err := orc.stores.Schedules.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	orc.logger.InfoContext(ctx, "schedule created",
		"schedule_id", s.ID, "schedule", s.Name, "frequency", s.Frequency, "next_run", s.NextRun)
	return s, nil
}

// UpdateSchedule replaces the rule parameters and recomputes next_run.
// Disabling a schedule clears its next firing instant.
func (orc *Orchestrator) UpdateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	existing, err := orc.stores.Schedules.Get(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = existing.CreatedAt
	s.LastRun = existing.LastRun
	s.RunCount = existing.RunCount
	s.SuccessCount = existing.SuccessCount
	s.FailureCount = existing.FailureCount
	s.UpdatedAt = time.Now().UTC()

	if s.Enabled {
		next, err := schedule.NextRun(time.Now().UTC(), s)
		if err != nil {
			return nil, err
		}
		s.NextRun = next
	} else {
		s.NextRun = nil
	}

	if err := orc.stores.Schedules.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	orc.logger.InfoContext(ctx, "schedule updated",
		"schedule_id", s.ID, "enabled", s.Enabled, "next_run", s.NextRun)
	return s, nil
}

// ToggleSchedule flips a schedule on or off without touching its rule
// parameters. Enabling recomputes the next firing instant from now; disabling
// clears it so the engine never picks the schedule up.
func (orc *Orchestrator) ToggleSchedule(ctx context.Context, scheduleID string, enabled bool) (*domain.Schedule, error) {
	s, err := orc.stores.Schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	s.Enabled = enabled
	s.UpdatedAt = time.Now().UTC()
	if enabled {
		next, err := schedule.NextRun(time.Now().UTC(), s)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("%w: schedule has no future firing instant", domain.ErrInvalidSchedule)
		}
		s.NextRun = next
	} else {
		s.NextRun = nil
	}

	if err := orc.stores.Schedules.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to toggle schedule: %w", err)
	}
	orc.logger.InfoContext(ctx, "schedule toggled",
		"schedule_id", s.ID, "enabled", enabled, "next_run", s.NextRun)
	return s, nil
}

// DeleteSchedule removes a schedule. Jobs it already submitted are untouched.
func (orc *Orchestrator) DeleteSchedule(ctx context.Context, scheduleID string) error {
	if err := orc.stores.Schedules.Delete(ctx, scheduleID); err != nil {
		return err
	}
	orc.logger.InfoContext(ctx, "schedule deleted", "schedule_id", scheduleID)
	return nil
}

// GetSchedule returns one schedule.
func (orc *Orchestrator) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	return orc.stores.Schedules.Get(ctx, scheduleID)
}

// ListSchedules returns all schedules.
func (orc *Orchestrator) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	return orc.stores.Schedules.List(ctx)
}

// GetUpcomingSchedules returns enabled schedules ordered by their next firing
// instant.
func (orc *Orchestrator) GetUpcomingSchedules(ctx context.Context, limit int) ([]*domain.Schedule, error) {
	if limit <= 0 {
		limit = 20
	}
	return orc.stores.Schedules.ListUpcoming(ctx, limit)
}

// ListScheduleExecutions returns the recent execution history of a schedule.
func (orc *Orchestrator) ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	return orc.stores.Schedules.ListExecutions(ctx, scheduleID, limit)
}
