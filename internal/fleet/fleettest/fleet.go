// Package fleettest provides an in-memory fleet.Fleet for tests.
package fleettest

import (
	"context"
	"sync"

	"github.com/instant-demo/vscode-broker/internal/fleet"
)

// Fleet is a scriptable in-memory fleet. The zero value is not usable; call New.
type Fleet struct {
	mu         sync.Mutex
	instances  []fleet.Observed
	desired    int
	listCalls  int
	setCalls   []int
	terminated []string

	listErr      error
	setErr       error
	terminateErr error

	// scaleGate, when set, blocks SetDesiredCapacity until it is closed.
	scaleGate chan struct{}

	// listGate, when set, blocks ListManagedInstances after it took its
	// snapshot; listed is closed once the snapshot exists.
	listGate chan struct{}
	listed   chan struct{}
}

// New returns a fleet that reports the given instances.
func New(instances ...fleet.Observed) *Fleet {
	return &Fleet{
		instances: append([]fleet.Observed(nil), instances...),
		desired:   len(instances),
	}
}

// ListManagedInstances implements fleet.Fleet.
func (f *Fleet) ListManagedInstances(ctx context.Context) ([]fleet.Observed, error) {
	f.mu.Lock()
	f.listCalls++
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	snapshot := append([]fleet.Observed(nil), f.instances...)
	gate, listed := f.listGate, f.listed
	f.listGate, f.listed = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(listed)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snapshot, nil
}

// SetDesiredCapacity implements fleet.Fleet.
func (f *Fleet) SetDesiredCapacity(ctx context.Context, n int) error {
	f.mu.Lock()
	gate := f.scaleGate
	f.setCalls = append(f.setCalls, n)
	err := f.setErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.desired = n
	f.mu.Unlock()
	return nil
}

// TerminateInstance implements fleet.Fleet.
func (f *Fleet) TerminateInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	if f.terminateErr != nil {
		return f.terminateErr
	}
	for i, inst := range f.instances {
		if inst.ID == id {
			f.instances = append(f.instances[:i], f.instances[i+1:]...)
			break
		}
	}
	if f.desired > 0 {
		f.desired--
	}
	return nil
}

// SetInstances replaces what the next ListManagedInstances reports.
func (f *Fleet) SetInstances(instances ...fleet.Observed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = append([]fleet.Observed(nil), instances...)
}

// FailList makes ListManagedInstances return err (nil clears it).
func (f *Fleet) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailScale makes SetDesiredCapacity return err (nil clears it).
func (f *Fleet) FailScale(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

// FailTerminate makes TerminateInstance return err (nil clears it).
func (f *Fleet) FailTerminate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateErr = err
}

// HoldScale blocks SetDesiredCapacity calls until the returned func is called.
func (f *Fleet) HoldScale() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.scaleGate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.scaleGate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// HoldList makes the next ListManagedInstances take its snapshot and then
// block until release is called. listed is closed once the snapshot is taken.
func (f *Fleet) HoldList() (listed <-chan struct{}, release func()) {
	gate := make(chan struct{})
	done := make(chan struct{})
	f.mu.Lock()
	f.listGate = gate
	f.listed = done
	f.mu.Unlock()

	var once sync.Once
	return done, func() { once.Do(func() { close(gate) }) }
}

// Desired returns the desired capacity last accepted.
func (f *Fleet) Desired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desired
}

// ListCalls returns how many times ListManagedInstances ran.
func (f *Fleet) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// SetCalls returns every value passed to SetDesiredCapacity, in order.
func (f *Fleet) SetCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.setCalls...)
}

// Terminated returns every ID passed to TerminateInstance, in order.
func (f *Fleet) Terminated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

var _ fleet.Fleet = (*Fleet)(nil)
