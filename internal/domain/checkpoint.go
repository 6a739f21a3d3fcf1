package domain

import "time"

// CheckpointState is the per-step execution state recorded by a robot.
type CheckpointState string

const (
	// CheckpointStatePending means the robot wrote the checkpoint but has not
	// committed the step's external effect yet. Only pending checkpoints are
	// safe to resume after a crash.
	CheckpointStatePending   CheckpointState = "pending"
	CheckpointStateRunning   CheckpointState = "running"
	CheckpointStateCompleted CheckpointState = "completed"
	CheckpointStateFailed    CheckpointState = "failed"
)

// Checkpoint is the resumable execution state of a job. The instance ID equals
// the job ID. Robots write checkpoints before performing a step's externally
// visible effect; the recovery manager reads them to decide between resuming
// and retrying from scratch.
type Checkpoint struct {
	JobID         string
	State         CheckpointState
	CurrentStep   int
	ExecutedNodes []string
	UpdatedAt     time.Time
}

// Resumable reports whether a crashed job may continue from this checkpoint.
func (c *Checkpoint) Resumable() bool {
	return c.State == CheckpointStatePending
}
