package policy

import "time"

// ActionKind enumerates the recovery actions the engine can decide.
type ActionKind string

const (
	ActionRetry      ActionKind = "retry"
	ActionSkip       ActionKind = "skip"
	ActionFallback   ActionKind = "fallback"
	ActionCompensate ActionKind = "compensate"
	ActionAbort      ActionKind = "abort"
	ActionEscalate   ActionKind = "escalate"
)

// Action is one configured recovery step. Fields beyond Kind apply only to
// the kinds that use them.
type Action struct {
	Kind ActionKind

	// Retry
	Delay time.Duration

	// Fallback: substitute a value or redirect control flow to another node.
	FallbackValue  any
	FallbackNodeID string

	// Compensate: rollback nodes to run, in order.
	CompensateNodes []string

	// Escalate
	Message                string
	WaitForResponse        bool
	Timeout                time.Duration
	DefaultActionOnTimeout ActionKind
}

// Decision is the engine's answer for one failure report.
type Decision struct {
	Action   Action
	RuleName string

	// BreakerOpen is set when a configured retry was denied because the
	// matching circuit breaker is open and the engine fell through to a
	// later action.
	BreakerOpen bool
}
