package domain

import "errors"

var (
	// ErrInvalidInstanceID is returned when a request names no instance.
	ErrInvalidInstanceID = errors.New("invalid instance id")

	// ErrInstanceNotFound is returned when the requested instance doesn't exist in the pool.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNotBusy is returned when releasing an instance that was never handed out.
	ErrNotBusy = errors.New("instance is not busy")

	// ErrNotPendingTermination is returned when cancelling a teardown that was never scheduled.
	ErrNotPendingTermination = errors.New("instance has no pending termination")

	// ErrScalingUnavailable is returned when no instance is idle and the fleet
	// could not be asked for more capacity.
	ErrScalingUnavailable = errors.New("scaling unavailable")

	// ErrCapacityLimit is returned when the pool is already at its configured maximum.
	ErrCapacityLimit = errors.New("pool at maximum capacity")

	// ErrFleetUnavailable is returned when the fleet API cannot be reached.
	ErrFleetUnavailable = errors.New("fleet api unavailable")

	// ErrAssignmentNotFound is returned when no ledger record exists for an instance.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrRouteNotFound is returned when the route doesn't exist.
	ErrRouteNotFound = errors.New("route not found")
)
