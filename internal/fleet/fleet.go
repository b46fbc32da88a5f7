// Package fleet abstracts the external fleet-management API that owns the
// machines behind the pool: listing them, resizing the group and tearing
// individual machines down.
package fleet

import (
	"context"
	"errors"
	"time"
)

// ErrNotManaged is returned when an instance does not belong to the managed group.
var ErrNotManaged = errors.New("instance not managed by this fleet")

// Observed is one machine reported by the fleet. Address is empty while the
// machine has no reachable endpoint yet.
type Observed struct {
	ID      string
	Address string
}

// Fleet is the contract the pool engine consumes.
type Fleet interface {
	// ListManagedInstances returns every machine currently in the group.
	ListManagedInstances(ctx context.Context) ([]Observed, error)

	// SetDesiredCapacity asks the fleet to converge on n machines.
	SetDesiredCapacity(ctx context.Context, n int) error

	// TerminateInstance tears a machine down and lowers the desired
	// capacity by one.
	TerminateInstance(ctx context.Context, id string) error
}

// Provider is a Fleet backed by a concrete platform.
type Provider interface {
	Fleet
	Name() string
	Close() error
}

// stopGrace is the longest a container is given to exit before it is killed.
const stopGrace = 5 * time.Second

// stopTimeout returns the stop grace period in whole seconds. It never uses
// more than half of what is left of ctx's deadline, so the remove that
// follows the stop still fits in the same call budget.
func stopTimeout(ctx context.Context) int {
	grace := stopGrace
	if deadline, ok := ctx.Deadline(); ok {
		if half := time.Until(deadline) / 2; half < grace {
			grace = half
		}
	}
	if grace < 0 {
		return 0
	}
	return int(grace / time.Second)
}
