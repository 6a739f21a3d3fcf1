// Package schedule computes the firing instants of recurring submission
// rules. Each frequency has its own calculator; all computation is UTC.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/botfleet/internal/domain"
)

// Calculator computes the next firing instant for one frequency kind.
type Calculator interface {
	// Next returns the first instant strictly after the given time at which
	// the rule fires, or nil when the rule is exhausted (ONCE after firing).
	Next(after time.Time, s *domain.Schedule) (*time.Time, error)
}

// ForFrequency returns the calculator for the given frequency, or nil for an
// unknown one.
func ForFrequency(f domain.Frequency) Calculator {
	switch f {
	case domain.FrequencyOnce:
		return &OnceCalculator{}
	case domain.FrequencyInterval:
		return &IntervalCalculator{}
	case domain.FrequencyHourly:
		return &HourlyCalculator{}
	case domain.FrequencyDaily:
		return &DailyCalculator{}
	case domain.FrequencyWeekly:
		return &WeeklyCalculator{}
	case domain.FrequencyMonthly:
		return &MonthlyCalculator{}
	case domain.FrequencyCron:
		return &CronCalculator{}
	default:
		return nil
	}
}

// NextRun computes the next firing instant for a schedule, dispatching on its
// frequency.
func NextRun(after time.Time, s *domain.Schedule) (*time.Time, error) {
	calc := ForFrequency(s.Frequency)
	if calc == nil {
		return nil, fmt.Errorf("%w: unknown frequency %q", domain.ErrInvalidSchedule, s.Frequency)
	}
	return calc.Next(after.UTC(), s)
}

// OnceCalculator fires at a single configured instant.
type OnceCalculator struct{}

func (c *OnceCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	if s.RunAt == nil {
		return nil, fmt.Errorf("%w: once requires run_at", domain.ErrInvalidSchedule)
	}
	// Already fired: once LastRun is set there is no next instant.
	if s.LastRun != nil {
		return nil, nil
	}
	at := s.RunAt.UTC()
	return &at, nil
}

// IntervalCalculator fires every IntervalSeconds. When the previous instant
// is far in the past (engine downtime) the next run is advanced past now in
// one step rather than replaying each missed interval.
type IntervalCalculator struct{}

func (c *IntervalCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	if s.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: interval requires interval_seconds > 0", domain.ErrInvalidSchedule)
	}
	interval := time.Duration(s.IntervalSeconds) * time.Second

	base := after
	if s.LastRun != nil && s.LastRun.After(base) {
		base = s.LastRun.UTC()
	}
	next := base.Add(interval)
	if !next.After(after) {
		elapsed := after.Sub(next)
		steps := elapsed/interval + 1
		next = next.Add(steps * interval)
	}
	return &next, nil
}

// HourlyCalculator fires at the configured minute of every hour.
type HourlyCalculator struct{}

func (c *HourlyCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	next := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), s.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.Add(time.Hour)
	}
	return &next, nil
}

// DailyCalculator fires at the configured wall-clock time every day.
type DailyCalculator struct{}

func (c *DailyCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return &next, nil
}

// WeeklyCalculator fires at the configured weekday and wall-clock time.
type WeeklyCalculator struct{}

func (c *WeeklyCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	daysAhead := (s.DayOfWeek - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, daysAhead)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return &next, nil
}

// MonthlyCalculator fires on the configured day of month; months without that
// day use their last day.
type MonthlyCalculator struct{}

func (c *MonthlyCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	next := monthlyInstant(after.Year(), after.Month(), s.DayOfMonth, s.Hour, s.Minute)
	if !next.After(after) {
		year, month := after.Year(), after.Month()+1
		next = monthlyInstant(year, month, s.DayOfMonth, s.Hour, s.Minute)
	}
	return &next, nil
}

func monthlyInstant(year int, month time.Month, day, hour, minute int) time.Time {
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day zero of the next month normalizes to this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CronCalculator fires per a standard 5-field cron expression.
type CronCalculator struct{}

func (c *CronCalculator) Next(after time.Time, s *domain.Schedule) (*time.Time, error) {
	sched, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cron expression %q: %v", domain.ErrInvalidSchedule, s.CronExpr, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return nil, nil
	}
	next = next.UTC()
	return &next, nil
}
