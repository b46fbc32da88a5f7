package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds health probes of newly observed instances.
const maxConcurrentProbes = 4

// Synchronizer periodically reconciles the registry against the fleet.
// A failed pass leaves the registry untouched and is retried on the next tick.
type Synchronizer struct {
	fleet      fleet.Fleet
	registry   *Registry
	capacity   *CapacityController
	health     *fleet.HealthChecker // nil unless probes are required
	clock      clockwork.Clock
	interval   time.Duration
	apiTimeout time.Duration
	logger     *logging.Logger
	metrics    *metrics.Collector

	// onSynced runs after every successful pass.
	onSynced func(added, removed []string)

	syncCh  chan struct{} // Bounded channel for on-demand passes (buffer of 1)
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	lastMu   sync.Mutex
	lastSync time.Time
}

// NewSynchronizer creates a synchronizer. health and m may be nil.
func NewSynchronizer(
	f fleet.Fleet,
	registry *Registry,
	capacity *CapacityController,
	health *fleet.HealthChecker,
	cfg ManagerConfig,
	clock clockwork.Clock,
	logger *logging.Logger,
	m *metrics.Collector,
) *Synchronizer {
	return &Synchronizer{
		fleet:      f,
		registry:   registry,
		capacity:   capacity,
		health:     health,
		clock:      clock,
		interval:   cfg.SyncInterval,
		apiTimeout: cfg.FleetAPITimeout,
		logger:     logger.With("component", "sync"),
		metrics:    m,
		syncCh:     make(chan struct{}, 1), // Buffer of 1 for non-blocking send
	}
}

// SyncOnce runs a single reconciliation pass.
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	start := time.Now()

	// Teardowns finishing while the listing is in flight must not be undone
	// by it.
	since := s.registry.Epoch()

	listCtx, cancel := context.WithTimeout(ctx, s.apiTimeout)
	observed, err := s.fleet.ListManagedInstances(listCtx)
	cancel()
	if err != nil {
		s.record("failure", start)
		return fmt.Errorf("failed to list fleet instances: %w", err)
	}

	admitted := s.admit(ctx, observed)
	added, removed, skipped := s.registry.ReplaceAll(admitted, since)

	// Machines still booting count toward capacity even without an address.
	s.capacity.ObserveCount(len(observed) - len(skipped))

	s.lastMu.Lock()
	s.lastSync = s.clock.Now()
	s.lastMu.Unlock()

	s.record("success", start)
	if len(added) > 0 || len(removed) > 0 || len(skipped) > 0 {
		s.logger.Info("Pool synchronized", "observed", len(observed), "admitted", len(admitted),
			"added", added, "removed", removed, "skipped", skipped)
	} else {
		s.logger.Debug("Pool synchronized", "observed", len(observed), "admitted", len(admitted))
	}

	if s.onSynced != nil {
		s.onSynced(added, removed)
	}
	return nil
}

// admit keeps observations that may enter the registry. When health probes
// are enabled, instances not yet in the registry must answer before they are
// admitted; known instances are kept without probing.
func (s *Synchronizer) admit(ctx context.Context, observed []fleet.Observed) []fleet.Observed {
	withAddress := make([]fleet.Observed, 0, len(observed))
	for _, obs := range observed {
		if obs.Address != "" {
			withAddress = append(withAddress, obs)
		}
	}
	if s.health == nil {
		return withAddress
	}

	healthy := make([]bool, len(withAddress))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, obs := range withAddress {
		if _, known := s.registry.Get(obs.ID); known {
			healthy[i] = true
			continue
		}
		g.Go(func() error {
			healthy[i] = s.health.Healthy(gctx, obs.ID, obs.Address)
			return nil
		})
	}
	_ = g.Wait()

	admitted := withAddress[:0:0]
	for i, obs := range withAddress {
		if healthy[i] {
			admitted = append(admitted, obs)
		}
	}
	return admitted
}

func (s *Synchronizer) record(result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncTotal.WithLabelValues(result).Inc()
	s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
}

// LastSync returns the time of the last successful pass.
func (s *Synchronizer) LastSync() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastSync
}

// Start runs an initial pass, unless one has already succeeded, and then one
// every interval until Stop.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.loop(ctx)

	return nil
}

// Stop stops the loop and waits for the current pass to finish.
func (s *Synchronizer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	<-s.doneCh
	return nil
}

// Trigger requests an immediate pass without blocking.
func (s *Synchronizer) Trigger() {
	select {
	case s.syncCh <- struct{}{}:
	default:
		// A pass is already pending.
	}
}

func (s *Synchronizer) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	// Skipped when the caller already completed a pass before starting.
	if s.LastSync().IsZero() {
		if err := s.SyncOnce(ctx); err != nil {
			s.logger.Warn("Initial synchronization failed", "error", err)
		}
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.syncCh:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("Triggered synchronization failed", "error", err)
			}
		case <-ticker.Chan():
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("Synchronization failed", "error", err)
			}
		}
	}
}
