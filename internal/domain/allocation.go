package domain

import (
	"math"
	"time"
)

// AllocationStatus is the outcome of an allocation request.
type AllocationStatus string

const (
	AllocationAssigned    AllocationStatus = "assigned"    // An idle instance was handed out
	AllocationStarting    AllocationStatus = "starting"    // Pool is scaling, retry later
	AllocationUnavailable AllocationStatus = "unavailable" // Pool is exhausted and scaling failed
)

// Allocation is the result of asking the pool for an instance.
// InstanceID, Address and URL are only set when Status is AllocationAssigned.
type Allocation struct {
	Status     AllocationStatus `json:"status"`
	InstanceID string           `json:"instanceId,omitempty"`
	Address    string           `json:"address,omitempty"`
	URL        string           `json:"url,omitempty"`
}

// Assigned reports whether an instance was handed out.
func (a Allocation) Assigned() bool {
	return a.Status == AllocationAssigned
}

// TerminationTicket describes a scheduled teardown.
type TerminationTicket struct {
	InstanceID string        `json:"instanceId"`
	Delay      time.Duration `json:"-"`
	FireAt     time.Time     `json:"fireAt"`
}

// DelaySeconds returns the grace period rounded up to whole seconds.
func (t TerminationTicket) DelaySeconds() int {
	return int(math.Ceil(t.Delay.Seconds()))
}
