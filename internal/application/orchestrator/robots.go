package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/botfleet/internal/application/recovery"
	"github.com/rezkam/botfleet/internal/domain"
)

// RegisterRobotRequest is the intake shape for robot registration.
type RegisterRobotRequest struct {
	// ID is optional; re-registering under an existing ID refreshes the row.
	ID                string
	Name              string
	Environment       string
	Tags              []string
	AffinityKey       string
	MaxConcurrentJobs int
}

// RegisterRobot inserts or refreshes a robot. Re-registration after a crash
// resets the load counter and brings the robot back online.
func (orc *Orchestrator) RegisterRobot(ctx context.Context, req RegisterRobotRequest) (*domain.Robot, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidRobot)
	}
	if req.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("%w: max_concurrent_jobs must be positive", domain.ErrInvalidRobot)
	}

	now := time.Now().UTC()
	robot := &domain.Robot{
		ID:                req.ID,
		Name:              req.Name,
		Environment:       req.Environment,
		Tags:              req.Tags,
		AffinityKey:       req.AffinityKey,
		Status:            domain.RobotStatusOnline,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		LastHeartbeat:     now,
		RegisteredAt:      now,
	}
	if robot.ID == "" {
		robot.ID = uuid.Must(uuid.NewV7()).String()
	}

	stored, err := orc.stores.Robots.Register(ctx, robot)
	if err != nil {
		return nil, fmt.Errorf("failed to register robot: %w", err)
	}

	orc.publish(domain.EventRobotStatus, "", stored.ID, "registered")
	orc.logger.InfoContext(ctx, "robot registered",
		"robot_id", stored.ID, "robot", stored.Name, "capacity", stored.MaxConcurrentJobs)
	return stored, nil
}

// RobotHeartbeat stamps the robot's liveness. Heartbeats from unknown robots
// are dropped silently; the robot is expected to re-register.
func (orc *Orchestrator) RobotHeartbeat(ctx context.Context, robotID string) error {
	return orc.stores.Robots.Heartbeat(ctx, robotID)
}

// UpdateRobotStatus sets a robot's registry status, for maintenance windows
// and operator-driven drains.
func (orc *Orchestrator) UpdateRobotStatus(ctx context.Context, robotID string, status domain.RobotStatus) error {
	switch status {
	case domain.RobotStatusOnline, domain.RobotStatusBusy, domain.RobotStatusOffline,
		domain.RobotStatusFailed, domain.RobotStatusMaintenance:
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRobot, status)
	}
	if err := orc.stores.Robots.SetStatus(ctx, robotID, status); err != nil {
		return err
	}
	orc.publish(domain.EventRobotStatus, "", robotID, string(status))
	orc.logger.InfoContext(ctx, "robot status updated", "robot_id", robotID, "status", status)
	return nil
}

// GetRobot returns one robot.
func (orc *Orchestrator) GetRobot(ctx context.Context, robotID string) (*domain.Robot, error) {
	return orc.stores.Robots.Get(ctx, robotID)
}

// ListRobots returns all registered robots.
func (orc *Orchestrator) ListRobots(ctx context.Context) ([]*domain.Robot, error) {
	return orc.stores.Robots.List(ctx)
}

// RecoverRobot forces recovery of a robot and its in-flight jobs without
// waiting for the heartbeat monitor.
func (orc *Orchestrator) RecoverRobot(ctx context.Context, robotID string) ([]recovery.JobRecovery, error) {
	return orc.recoverer.RecoverRobot(ctx, robotID, "manual recovery")
}
