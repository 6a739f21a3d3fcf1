package domain

// ErrorKind classifies a failure reported by a robot for a workflow node.
type ErrorKind string

const (
	ErrorKindTransient           ErrorKind = "transient"
	ErrorKindPermanent           ErrorKind = "permanent"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindValidation          ErrorKind = "validation"
	ErrorKindExternalUnavailable ErrorKind = "external_unavailable"
	ErrorKindUILocateFailure     ErrorKind = "ui_locate_failure"
	ErrorKindAuth                ErrorKind = "auth"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Severity of a reported failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FailureContext describes a job failure for the recovery policy engine.
type FailureContext struct {
	JobID      string
	RobotID    string
	NodeID     string
	NodeKind   string
	Kind       ErrorKind
	Severity   Severity
	RetryCount int
	MaxRetries int
	Message    string
}
