package domain

import "time"

// EventType names a pool lifecycle event.
type EventType string

const (
	EventInstanceAssigned     EventType = "instance.assigned"
	EventInstanceReleased     EventType = "instance.released"
	EventTerminationScheduled EventType = "termination.scheduled"
	EventTerminationCancelled EventType = "termination.cancelled"
	EventInstanceTerminated   EventType = "instance.terminated"
	EventTerminationFailed    EventType = "termination.failed"
	EventScaleRequested       EventType = "pool.scale_requested"
)

// Event describes a change in the pool for external observers.
type Event struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	InstanceID      string    `json:"instance_id,omitempty"`
	SessionKey      string    `json:"session_key,omitempty"`
	DesiredCapacity int       `json:"desired_capacity,omitempty"`
	Error           string    `json:"error,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
