package domain

import "time"

// EventType identifies an orchestrator event. Delivery is best effort; the
// database rows remain authoritative.
type EventType string

const (
	EventJobSubmitted      EventType = "job.submitted"
	EventJobDispatched     EventType = "job.dispatched"
	EventJobCompleted      EventType = "job.completed"
	EventJobFailed         EventType = "job.failed"
	EventJobCancelled      EventType = "job.cancelled"
	EventJobDeadLettered   EventType = "job.dead_lettered"
	EventJobRecovered      EventType = "job.recovered"
	EventRobotStatus       EventType = "robot.status"
	EventScheduleFired     EventType = "schedule.fired"
	EventQueueBackpressure EventType = "queue.backpressure"
	EventEscalationRaised  EventType = "escalation.raised"
	EventEscalationExpired EventType = "escalation.expired"
)

// Event is a typed notification emitted by the facade.
type Event struct {
	Type       EventType
	At         time.Time
	JobID      string
	RobotID    string
	ScheduleID string
	Detail     string
}

// EventSink receives facade events. Implementations must not block; slow
// consumers drop events rather than stalling orchestration.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

// NopEventSink discards all events.
type NopEventSink struct{}

func (NopEventSink) Publish(Event) {}
