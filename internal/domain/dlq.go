package domain

import "time"

// DeadLetterJob is a job whose retry budget was exhausted, copied out of the
// primary table. Entries are immutable except for administrative replay, which
// creates a fresh job and marks the entry replayed.
type DeadLetterJob struct {
	ID                 string
	JobID              string
	WorkflowID         string
	WorkflowName       string
	WorkflowDefinition []byte
	Variables          map[string]any
	TenantID           string
	Priority           int
	RetryCount         int
	MaxRetries         int
	FinalError         string
	RetryHistory       []string
	RobotID            string
	CreatedAt          time.Time
	MovedAt            time.Time

	ReplayedAt  *time.Time
	ReplayJobID *string
	DiscardedAt *time.Time
	Note        string
}
