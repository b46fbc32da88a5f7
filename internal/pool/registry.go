package pool

import (
	"slices"
	"sort"
	"sync"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
)

// Registry is the authoritative in-memory view of the pool. Every operation
// runs under a single mutex so callers never observe a half-applied update.
//
// Torn-down instances leave a tombstone carrying the removal sequence. A
// fleet listing taken before the teardown may still report them; they are
// not admitted again until a listing that started after the removal no
// longer reports them.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
	seq       uint64
	removedAt map[string]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*domain.Instance),
		removedAt: make(map[string]uint64),
	}
}

// Epoch returns the current removal sequence. Capture it before listing the
// fleet and pass it to ReplaceAll.
func (r *Registry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// List returns a snapshot of every instance ordered by ID.
func (r *Registry) List() []domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the instance with the given ID.
func (r *Registry) Get(id string) (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	return *inst, true
}

// FindIdle returns an idle instance without changing its state.
func (r *Registry) FindIdle() (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst := r.firstIdleLocked(); inst != nil {
		return *inst, true
	}
	return domain.Instance{}, false
}

// AcquireIdle marks an idle instance busy and returns it together with the
// pool counts as they stand afterwards. Find and mark happen in one critical
// section, so two callers can never receive the same instance.
func (r *Registry) AcquireIdle() (domain.Instance, domain.PoolStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.firstIdleLocked()
	if inst == nil {
		return domain.Instance{}, r.statsLocked(), false
	}
	inst.State = domain.StateBusy
	return *inst, r.statsLocked(), true
}

// firstIdleLocked picks the idle instance with the lowest ID so allocation
// order is stable.
func (r *Registry) firstIdleLocked() *domain.Instance {
	var best *domain.Instance
	for _, inst := range r.instances {
		if !inst.Available() {
			continue
		}
		if best == nil || inst.ID < best.ID {
			best = inst
		}
	}
	return best
}

// Upsert admits a new instance as idle or refreshes the address of a known
// one. Instances without an address and torn-down instances are not admitted.
func (r *Registry) Upsert(id, address string) bool {
	if id == "" || address == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[id]; ok {
		inst.Address = address
		return true
	}
	if _, gone := r.removedAt[id]; gone {
		return false
	}
	r.instances[id] = &domain.Instance{ID: id, Address: address, State: domain.StateIdle}
	return true
}

// MarkBusy moves an instance to busy.
func (r *Registry) MarkBusy(id string) error {
	return r.setState(id, domain.StateBusy)
}

// MarkIdle returns an instance to the idle set. Releasing an instance that
// is already idle is reported as domain.ErrNotBusy.
func (r *Registry) MarkIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if inst.State == domain.StateIdle {
		return domain.ErrNotBusy
	}
	inst.State = domain.StateIdle
	return nil
}

// MarkPendingTermination withdraws an instance from allocation.
func (r *Registry) MarkPendingTermination(id string) error {
	_, err := r.Withdraw(id)
	return err
}

// Withdraw marks an instance pending termination and returns the state it
// had before, in the same critical section.
func (r *Registry) Withdraw(id string) (domain.InstanceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return "", domain.ErrInstanceNotFound
	}
	prev := inst.State
	inst.State = domain.StatePendingTermination
	return prev, nil
}

// Reinstate moves an instance that is still pending termination back to
// state. It reports false when the instance is gone or no longer pending.
func (r *Registry) Reinstate(id string, state domain.InstanceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok || inst.State != domain.StatePendingTermination {
		return false
	}
	inst.State = state
	return true
}

func (r *Registry) setState(id string, state domain.InstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	inst.State = state
	return nil
}

// Remove deletes a torn-down instance, leaves its tombstone and reports
// whether it was still known.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.removedAt[id] = r.seq

	if _, ok := r.instances[id]; !ok {
		return false
	}
	delete(r.instances, id)
	return true
}

// ReplaceAll swaps the pool for observations listed after Epoch returned
// since. Surviving IDs keep their state, new IDs start idle and IDs missing
// from observed are dropped. Observations without an address are ignored,
// duplicate IDs collapse to the last one seen and torn-down IDs are
// returned in skipped.
func (r *Registry) ReplaceAll(observed []fleet.Observed, since uint64) (added, removed, skipped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*domain.Instance, len(observed))
	reported := make(map[string]struct{}, len(observed))
	for _, obs := range observed {
		reported[obs.ID] = struct{}{}
		if obs.ID == "" || obs.Address == "" {
			continue
		}
		if prev, ok := r.instances[obs.ID]; ok {
			next[obs.ID] = &domain.Instance{ID: obs.ID, Address: obs.Address, State: prev.State}
			continue
		}
		if _, gone := r.removedAt[obs.ID]; gone {
			if !slices.Contains(skipped, obs.ID) {
				skipped = append(skipped, obs.ID)
			}
			continue
		}
		if _, dup := next[obs.ID]; !dup {
			added = append(added, obs.ID)
		}
		next[obs.ID] = &domain.Instance{ID: obs.ID, Address: obs.Address, State: domain.StateIdle}
	}

	for id := range r.instances {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}

	// A listing that began after the removal and no longer reports the ID
	// proves the fleet has caught up.
	for id, seq := range r.removedAt {
		if _, still := reported[id]; !still && seq <= since {
			delete(r.removedAt, id)
		}
	}

	r.instances = next
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(skipped)
	return added, removed, skipped
}

// Len returns the number of known instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Stats returns per-state counts. Capacity fields are left for the caller.
func (r *Registry) Stats() domain.PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() domain.PoolStats {
	stats := domain.PoolStats{Total: len(r.instances)}
	for _, inst := range r.instances {
		switch inst.State {
		case domain.StateIdle:
			stats.Idle++
		case domain.StateBusy:
			stats.Busy++
		case domain.StatePendingTermination:
			stats.PendingTermination++
		}
	}
	return stats
}
