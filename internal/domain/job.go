package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// JobStatus is the lifecycle state of a workflow execution request.
type JobStatus string

const (
	// JobStatusPending marks a job waiting in the queue. The job is claimable
	// once its VisibleAfter instant has passed.
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued is a presentation-only status for pending jobs whose
	// VisibleAfter is still in the future (scheduled or backing off).
	JobStatusQueued JobStatus = "queued"
	// JobStatusClaimed marks a job assigned to a robot but not yet started.
	JobStatusClaimed JobStatus = "claimed"
	// JobStatusRunning marks a job being executed by its robot.
	JobStatusRunning JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Priority bounds. Higher priority is claimed earlier.
const (
	MinPriority = 0
	MaxPriority = 20
)

// Job is a workflow execution request tracked by the durable queue.
// The workflow definition is carried as an opaque blob; the orchestrator
// never interprets it.
type Job struct {
	ID                 string
	WorkflowID         string
	WorkflowName       string
	WorkflowDefinition []byte
	Variables          map[string]any
	TenantID           string
	Tags               []string
	AffinityKey        string
	// ScheduleID links a job back to the schedule that submitted it, so the
	// engine can attribute the terminal outcome. Empty for ad-hoc jobs.
	ScheduleID string

	Priority     int
	VisibleAfter time.Time
	CreatedAt    time.Time

	Status      JobStatus
	RobotID     *string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    int
	CurrentStep string

	RetryCount   int
	MaxRetries   int
	LastError    string
	ErrorMessage string
}

// DisplayStatus maps stored pending rows with a future VisibleAfter to the
// queued presentation status. Stored state never contains "queued"; the claim
// predicate is exactly (status = pending AND visible_after <= now).
func (j *Job) DisplayStatus(now time.Time) JobStatus {
	if j.Status == JobStatusPending && j.VisibleAfter.After(now) {
		return JobStatusQueued
	}
	return j.Status
}

// Fingerprint identifies a submission for deduplication: a hash of the
// workflow ID and the variable map serialized with sorted keys so that two
// submissions with the same inputs always collide.
func (j *Job) Fingerprint() string {
	return JobFingerprint(j.WorkflowID, j.Variables)
}

// JobFingerprint computes the dedup fingerprint for a (workflow, variables)
// pair without constructing a Job.
func JobFingerprint(workflowID string, variables map[string]any) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})

	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		// Scalar values only; json.Marshal canonicalizes numbers and strings.
		v, err := json.Marshal(variables[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", variables[k]))
		}
		h.Write(v)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the invariants a job row must satisfy before it is written.
func (j *Job) Validate() error {
	if j.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrInvalidJob)
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidJob, j.Priority, MinPriority, MaxPriority)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidJob)
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("%w: retry_count %d exceeds max_retries %d", ErrInvalidJob, j.RetryCount, j.MaxRetries)
	}
	return nil
}
