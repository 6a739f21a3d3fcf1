package domain

import "time"

// RobotStatus is the registry state of an executor agent.
type RobotStatus string

const (
	RobotStatusOnline      RobotStatus = "online"
	RobotStatusBusy        RobotStatus = "busy"
	RobotStatusOffline     RobotStatus = "offline"
	RobotStatusFailed      RobotStatus = "failed"
	RobotStatusMaintenance RobotStatus = "maintenance"
)

// Robot is an executor agent known to the registry. Robots never own their
// claimed jobs in memory; the relationship is the robot_id foreign key on the
// job rows.
type Robot struct {
	ID                string
	Name              string
	Environment       string
	Tags              []string
	AffinityKey       string
	Status            RobotStatus
	CurrentJobCount   int
	MaxConcurrentJobs int
	LastHeartbeat     time.Time
	RegisteredAt      time.Time
}

// Dispatchable reports whether the robot may receive work: live status, spare
// capacity, and a heartbeat within the timeout.
func (r *Robot) Dispatchable(now time.Time, heartbeatTimeout time.Duration) bool {
	if r.Status != RobotStatusOnline && r.Status != RobotStatusBusy {
		return false
	}
	if r.CurrentJobCount >= r.MaxConcurrentJobs {
		return false
	}
	return now.Sub(r.LastHeartbeat) < heartbeatTimeout
}

// Stale reports whether the robot missed its heartbeat window.
func (r *Robot) Stale(now time.Time, heartbeatTimeout time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > heartbeatTimeout
}

// LoadFraction is current load over capacity, used by the least-loaded picker.
func (r *Robot) LoadFraction() float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobCount) / float64(r.MaxConcurrentJobs)
}
