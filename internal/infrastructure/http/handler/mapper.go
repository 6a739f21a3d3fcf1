package handler

import (
	"time"

	"github.com/rezkam/botfleet/internal/application/policy"
	"github.com/rezkam/botfleet/internal/domain"
)

// JobResponse is the wire shape of a job.
type JobResponse struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	AffinityKey  string         `json:"affinity_key,omitempty"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	RobotID      *string        `json:"robot_id,omitempty"`
	Progress     int            `json:"progress"`
	CurrentStep  string         `json:"current_step,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	VisibleAfter time.Time      `json:"visible_after"`
	CreatedAt    time.Time      `json:"created_at"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func toJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		WorkflowID:   j.WorkflowID,
		WorkflowName: j.WorkflowName,
		Variables:    j.Variables,
		TenantID:     j.TenantID,
		Tags:         j.Tags,
		AffinityKey:  j.AffinityKey,
		ScheduleID:   j.ScheduleID,
		Priority:     j.Priority,
		Status:       string(j.Status),
		RobotID:      j.RobotID,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		LastError:    j.LastError,
		ErrorMessage: j.ErrorMessage,
		VisibleAfter: j.VisibleAfter,
		CreatedAt:    j.CreatedAt,
		ClaimedAt:    j.ClaimedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func toJobResponses(jobs []*domain.Job) []JobResponse {
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	return out
}

// RobotResponse is the wire shape of a robot.
type RobotResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Environment       string    `json:"environment,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	AffinityKey       string    `json:"affinity_key,omitempty"`
	Status            string    `json:"status"`
	CurrentJobCount   int       `json:"current_job_count"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	RegisteredAt      time.Time `json:"registered_at"`
}

func toRobotResponse(r *domain.Robot) RobotResponse {
	return RobotResponse{
		ID:                r.ID,
		Name:              r.Name,
		Environment:       r.Environment,
		Tags:              r.Tags,
		AffinityKey:       r.AffinityKey,
		Status:            string(r.Status),
		CurrentJobCount:   r.CurrentJobCount,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		LastHeartbeat:     r.LastHeartbeat,
		RegisteredAt:      r.RegisteredAt,
	}
}

// ScheduleRequest is the wire shape for creating or updating a schedule.
type ScheduleRequest struct {
	Name            string     `json:"name"`
	WorkflowID      string     `json:"workflow_id"`
	Frequency       string     `json:"frequency"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	CronExpr        string     `json:"cron_expr,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	DayOfWeek       int        `json:"day_of_week,omitempty"`
	DayOfMonth      int        `json:"day_of_month,omitempty"`
	Hour            int        `json:"hour,omitempty"`
	Minute          int        `json:"minute,omitempty"`
	Priority        int        `json:"priority,omitempty"`
	Enabled         *bool      `json:"enabled,omitempty"`
}

func (r ScheduleRequest) toDomain(id string) *domain.Schedule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &domain.Schedule{
		ID:              id,
		Name:            r.Name,
		WorkflowID:      r.WorkflowID,
		Frequency:       domain.Frequency(r.Frequency),
		RunAt:           r.RunAt,
		CronExpr:        r.CronExpr,
		IntervalSeconds: r.IntervalSeconds,
		DayOfWeek:       r.DayOfWeek,
		DayOfMonth:      r.DayOfMonth,
		Hour:            r.Hour,
		Minute:          r.Minute,
		Priority:        r.Priority,
		Enabled:         enabled,
	}
}

// ScheduleResponse is the wire shape of a schedule.
type ScheduleResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	WorkflowID      string     `json:"workflow_id"`
	Frequency       string     `json:"frequency"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	CronExpr        string     `json:"cron_expr,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	DayOfWeek       int        `json:"day_of_week,omitempty"`
	DayOfMonth      int        `json:"day_of_month,omitempty"`
	Hour            int        `json:"hour,omitempty"`
	Minute          int        `json:"minute,omitempty"`
	Priority        int        `json:"priority"`
	Enabled         bool       `json:"enabled"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	RunCount        int        `json:"run_count"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toScheduleResponse(s *domain.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:              s.ID,
		Name:            s.Name,
		WorkflowID:      s.WorkflowID,
		Frequency:       string(s.Frequency),
		RunAt:           s.RunAt,
		CronExpr:        s.CronExpr,
		IntervalSeconds: s.IntervalSeconds,
		DayOfWeek:       s.DayOfWeek,
		DayOfMonth:      s.DayOfMonth,
		Hour:            s.Hour,
		Minute:          s.Minute,
		Priority:        s.Priority,
		Enabled:         s.Enabled,
		LastRun:         s.LastRun,
		NextRun:         s.NextRun,
		RunCount:        s.RunCount,
		SuccessCount:    s.SuccessCount,
		FailureCount:    s.FailureCount,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toScheduleResponses(schedules []*domain.Schedule) []ScheduleResponse {
	out := make([]ScheduleResponse, len(schedules))
	for i, s := range schedules {
		out[i] = toScheduleResponse(s)
	}
	return out
}

// DeadLetterResponse is the wire shape of a dead letter entry.
type DeadLetterResponse struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name,omitempty"`
	TenantID     string     `json:"tenant_id,omitempty"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	FinalError   string     `json:"final_error"`
	RetryHistory []string   `json:"retry_history,omitempty"`
	RobotID      string     `json:"robot_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	MovedAt      time.Time  `json:"moved_at"`
	ReplayedAt   *time.Time `json:"replayed_at,omitempty"`
	ReplayJobID  *string    `json:"replay_job_id,omitempty"`
	DiscardedAt  *time.Time `json:"discarded_at,omitempty"`
	Note         string     `json:"note,omitempty"`
}

func toDeadLetterResponse(e *domain.DeadLetterJob) DeadLetterResponse {
	return DeadLetterResponse{
		ID:           e.ID,
		JobID:        e.JobID,
		WorkflowID:   e.WorkflowID,
		WorkflowName: e.WorkflowName,
		TenantID:     e.TenantID,
		Priority:     e.Priority,
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
		FinalError:   e.FinalError,
		RetryHistory: e.RetryHistory,
		RobotID:      e.RobotID,
		CreatedAt:    e.CreatedAt,
		MovedAt:      e.MovedAt,
		ReplayedAt:   e.ReplayedAt,
		ReplayJobID:  e.ReplayJobID,
		DiscardedAt:  e.DiscardedAt,
		Note:         e.Note,
	}
}

// EscalationResponse is the wire shape of an escalation.
type EscalationResponse struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	RobotID          string     `json:"robot_id,omitempty"`
	NodeID           string     `json:"node_id,omitempty"`
	Message          string     `json:"message"`
	Severity         string     `json:"severity,omitempty"`
	RaisedAt         time.Time  `json:"raised_at"`
	TimeoutSeconds   int64      `json:"timeout_seconds,omitempty"`
	DefaultAction    string     `json:"default_action,omitempty"`
	Status           string     `json:"status"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolutionAction string     `json:"resolution_action,omitempty"`
}

func toEscalationResponse(e *domain.Escalation) EscalationResponse {
	return EscalationResponse{
		ID:               e.ID,
		JobID:            e.JobID,
		RobotID:          e.RobotID,
		NodeID:           e.NodeID,
		Message:          e.Message,
		Severity:         string(e.Severity),
		RaisedAt:         e.RaisedAt,
		TimeoutSeconds:   int64(e.Timeout / time.Second),
		DefaultAction:    e.DefaultAction,
		Status:           string(e.Status),
		ResolvedAt:       e.ResolvedAt,
		ResolvedBy:       e.ResolvedBy,
		ResolutionAction: e.ResolutionAction,
	}
}

// DecisionResponse is the wire shape of a policy decision returned to the
// reporting robot.
type DecisionResponse struct {
	Action          string   `json:"action"`
	Rule            string   `json:"rule,omitempty"`
	BreakerOpen     bool     `json:"breaker_open,omitempty"`
	DelaySeconds    int64    `json:"delay_seconds,omitempty"`
	FallbackValue   any      `json:"fallback_value,omitempty"`
	FallbackNodeID  string   `json:"fallback_node_id,omitempty"`
	CompensateNodes []string `json:"compensate_nodes,omitempty"`
	Message         string   `json:"message,omitempty"`
}

func toDecisionResponse(d policy.Decision) DecisionResponse {
	return DecisionResponse{
		Action:          string(d.Action.Kind),
		Rule:            d.RuleName,
		BreakerOpen:     d.BreakerOpen,
		DelaySeconds:    int64(d.Action.Delay / time.Second),
		FallbackValue:   d.Action.FallbackValue,
		FallbackNodeID:  d.Action.FallbackNodeID,
		CompensateNodes: d.Action.CompensateNodes,
		Message:         d.Action.Message,
	}
}
