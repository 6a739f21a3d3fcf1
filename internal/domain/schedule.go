package domain

import (
	"fmt"
	"time"
)

// Frequency is a recurring submission rule kind.
type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyInterval Frequency = "interval"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCron     Frequency = "cron"
)

// Schedule is a recurring workflow submission rule. NextRun is always the next
// instant >= now at which the rule fires, or nil when disabled or exhausted.
type Schedule struct {
	ID         string
	Name       string
	WorkflowID string
	Frequency  Frequency

	// Rule parameters. Which ones apply depends on Frequency.
	RunAt           *time.Time // once
	CronExpr        string     // cron
	IntervalSeconds int        // interval
	DayOfWeek       int        // weekly: 0=Sunday .. 6=Saturday
	DayOfMonth      int        // monthly: 1..31, clamped to month length
	Hour            int        // hourly ignores, daily/weekly/monthly use
	Minute          int

	Priority int
	Enabled  bool

	LastRun      *time.Time
	NextRun      *time.Time
	RunCount     int
	SuccessCount int
	FailureCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks rule parameters for the configured frequency.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if s.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrInvalidSchedule)
	}
	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidSchedule, s.Priority, MinPriority, MaxPriority)
	}
	switch s.Frequency {
	case FrequencyOnce:
		if s.RunAt == nil {
			return fmt.Errorf("%w: once requires run_at", ErrInvalidSchedule)
		}
	case FrequencyInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval requires interval_seconds > 0", ErrInvalidSchedule)
		}
	case FrequencyHourly:
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("%w: minute %d outside [0,59]", ErrInvalidSchedule, s.Minute)
		}
	case FrequencyDaily:
		if err := s.validateClock(); err != nil {
			return err
		}
	case FrequencyWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week %d outside [0,6]", ErrInvalidSchedule, s.DayOfWeek)
		}
		if err := s.validateClock(); err != nil {
			return err
		}
	case FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d outside [1,31]", ErrInvalidSchedule, s.DayOfMonth)
		}
		if err := s.validateClock(); err != nil {
			return err
		}
	case FrequencyCron:
		if s.CronExpr == "" {
			return fmt.Errorf("%w: cron requires cron_expr", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	return nil
}

func (s *Schedule) validateClock() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d outside [0,23]", ErrInvalidSchedule, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d outside [0,59]", ErrInvalidSchedule, s.Minute)
	}
	return nil
}

// ScheduleExecution is one entry of the bounded-retention execution history.
type ScheduleExecution struct {
	ID         string
	ScheduleID string
	JobID      string
	StartedAt  time.Time
	Outcome    string // submitted, completed, failed
	Error      string
}
