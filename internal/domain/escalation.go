package domain

import "time"

// EscalationStatus is the lifecycle state of a human escalation.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
	// EscalationExpired means nobody responded within the timeout and the
	// default action was applied.
	EscalationExpired EscalationStatus = "expired"
)

// Escalation is a recorded request for a human decision about a failed job.
type Escalation struct {
	ID       string
	JobID    string
	RobotID  string
	NodeID   string
	Message  string
	Severity Severity

	RaisedAt time.Time
	// Timeout bounds how long the escalation waits for a response; zero
	// waits forever.
	Timeout time.Duration
	// DefaultAction is applied when the timeout passes unanswered.
	DefaultAction string

	Status           EscalationStatus
	ResolvedAt       *time.Time
	ResolvedBy       string
	ResolutionAction string
}
