package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
)

// ErrSchedulerStopped is returned when scheduling after shutdown began.
var ErrSchedulerStopped = errors.New("termination scheduler stopped")

// pendingTermination is one armed timer. gen identifies the arming so a
// callback that lost a race with Cancel or a reschedule does nothing.
// restore is the state Cancel puts the instance back into.
type pendingTermination struct {
	timer   clockwork.Timer
	gen     uint64
	fireAt  time.Time
	restore domain.InstanceState
}

// TerminationScheduler tears instances down after a grace period unless the
// teardown is cancelled first. Scheduling the same instance again restarts
// its timer.
//
// Lock order is scheduler then registry. The fleet call runs with neither
// held.
type TerminationScheduler struct {
	registry   *Registry
	fleet      fleet.Fleet
	capacity   *CapacityController
	clock      clockwork.Clock
	grace      time.Duration
	apiTimeout time.Duration
	logger     *logging.Logger
	metrics    *metrics.Collector
	emit       func(domain.Event)

	// onTerminated runs after an instance was torn down and removed.
	onTerminated func(id string)

	mu       sync.Mutex
	timers   map[string]*pendingTermination
	gen      uint64
	stopped  bool
	inFlight sync.WaitGroup
}

// NewTerminationScheduler creates a scheduler. emit and m may be nil.
func NewTerminationScheduler(
	registry *Registry,
	f fleet.Fleet,
	capacity *CapacityController,
	cfg ManagerConfig,
	clock clockwork.Clock,
	logger *logging.Logger,
	m *metrics.Collector,
	emit func(domain.Event),
) *TerminationScheduler {
	return &TerminationScheduler{
		registry:   registry,
		fleet:      f,
		capacity:   capacity,
		clock:      clock,
		grace:      cfg.GracePeriod,
		apiTimeout: cfg.FleetAPITimeout,
		logger:     logger.With("component", "termination"),
		metrics:    m,
		emit:       emit,
		timers:     make(map[string]*pendingTermination),
	}
}

// Schedule marks the instance pending termination and arms (or re-arms) its
// timer.
func (s *TerminationScheduler) Schedule(id string) (domain.TerminationTicket, error) {
	if id == "" {
		return domain.TerminationTicket{}, domain.ErrInvalidInstanceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return domain.TerminationTicket{}, ErrSchedulerStopped
	}
	prevState, err := s.registry.Withdraw(id)
	if err != nil {
		return domain.TerminationTicket{}, err
	}

	// A pending instance without a timer had its teardown fail; it was
	// handed out before that.
	restore := prevState
	if restore == domain.StatePendingTermination {
		restore = domain.StateBusy
	}

	rescheduled := false
	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
		restore = prev.restore
		rescheduled = true
	}

	s.gen++
	gen := s.gen
	fireAt := s.clock.Now().Add(s.grace)
	s.timers[id] = &pendingTermination{
		timer:   s.clock.AfterFunc(s.grace, func() { s.fire(id, gen) }),
		gen:     gen,
		fireAt:  fireAt,
		restore: restore,
	}

	s.logger.Info("Termination scheduled", "instanceID", id, "grace", s.grace, "rescheduled", rescheduled)
	return domain.TerminationTicket{InstanceID: id, Delay: s.grace, FireAt: fireAt}, nil
}

// Cancel disarms a pending termination and puts the instance back into the
// state it had when it was scheduled. It reports false when nothing was
// pending.
func (s *TerminationScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt, ok := s.timers[id]
	if !ok {
		return false
	}
	s.disarmLocked(id)
	if !s.registry.Reinstate(id, pt.restore) {
		s.logger.Debug("Cancelled termination for instance no longer pending", "instanceID", id)
	}
	s.logger.Info("Termination cancelled", "instanceID", id, "state", pt.restore)
	return true
}

// Release disarms any pending termination and returns the instance to idle.
func (s *TerminationScheduler) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(id)
	return s.registry.MarkIdle(id)
}

// Forget disarms the timer of an instance that left the fleet on its own.
func (s *TerminationScheduler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(id)
}

func (s *TerminationScheduler) disarmLocked(id string) bool {
	pt, ok := s.timers[id]
	if !ok {
		return false
	}
	pt.timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending returns the IDs with an armed timer, sorted.
func (s *TerminationScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of armed timers.
func (s *TerminationScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer without firing it and waits for teardowns that
// are already running.
func (s *TerminationScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	s.inFlight.Wait()
}

// fire runs when a timer expires. It must not read the clock: fake clocks
// may invoke it while advancing.
func (s *TerminationScheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	pt, ok := s.timers[id]
	if !ok || pt.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.inFlight.Add(1)
	s.mu.Unlock()
	defer s.inFlight.Done()

	inst, ok := s.registry.Get(id)
	if !ok {
		s.logger.Debug("Instance already gone at termination", "instanceID", id)
		s.count("gone")
		return
	}
	if inst.State != domain.StatePendingTermination {
		s.logger.Debug("Instance no longer pending termination", "instanceID", id, "state", inst.State)
		s.count("skipped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.apiTimeout)
	defer cancel()

	if err := s.fleet.TerminateInstance(ctx, id); err != nil {
		// Stays pending_termination until a later sync or Schedule resolves it.
		s.logger.Warn("Failed to terminate instance", "instanceID", id, "error", err)
		s.count("failure")
		if s.emit != nil {
			s.emit(domain.Event{Type: domain.EventTerminationFailed, InstanceID: id, Error: err.Error()})
		}
		return
	}

	s.registry.Remove(id)
	s.capacity.NoteTermination()
	s.count("success")
	s.logger.Info("Instance terminated", "instanceID", id)

	if s.emit != nil {
		s.emit(domain.Event{Type: domain.EventInstanceTerminated, InstanceID: id})
	}
	if s.onTerminated != nil {
		s.onTerminated(id)
	}
}

func (s *TerminationScheduler) count(result string) {
	if s.metrics != nil {
		s.metrics.TerminationsTotal.WithLabelValues(result).Inc()
	}
}
