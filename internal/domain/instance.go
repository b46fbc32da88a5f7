package domain

import "time"

// InstanceState represents the allocation state of a pooled instance.
type InstanceState string

const (
	StateIdle               InstanceState = "idle"                // Available for assignment
	StateBusy               InstanceState = "busy"                // Handed out to a session
	StatePendingTermination InstanceState = "pending_termination" // Teardown scheduled, never re-offered
)

// Instance is a remotely running VS Code server known to the pool.
// Instances only enter the pool once the fleet reports an address for them.
type Instance struct {
	ID      string        `json:"id"`
	Address string        `json:"address"` // host:port serving sessions
	State   InstanceState `json:"state"`
}

// Available reports whether the instance may be handed to a new session.
func (i Instance) Available() bool {
	return i.State == StateIdle
}

// URL returns the session URL for this instance using the given scheme.
func (i Instance) URL(scheme string) string {
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + i.Address
}

// ProxyURL returns the public URL for this instance behind the reverse proxy.
func (i Instance) ProxyURL(baseDomain string) string {
	return "https://" + i.ID + "." + baseDomain
}

// Assignment records which session an instance was handed to.
type Assignment struct {
	InstanceID string    `json:"instance_id"`
	SessionKey string    `json:"session_key"`
	Address    string    `json:"address"`
	AssignedAt time.Time `json:"assigned_at"`
}
