package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// CapacityController decides when to ask the fleet for more machines and
// tracks the desired capacity last requested.
//
// Concurrent triggers share one in-flight request, and a target that was
// already requested within the coalesce window is not sent again, so a burst
// of allocations against an empty pool grows the fleet by one machine.
type CapacityController struct {
	fleet          fleet.Fleet
	registry       *Registry
	clock          clockwork.Clock
	maxCapacity    int
	coalesceWindow time.Duration
	apiTimeout     time.Duration
	logger         *logging.Logger
	metrics        *metrics.Collector
	emit           func(domain.Event)

	group singleflight.Group

	mu          sync.Mutex
	desired     int
	requestedAt time.Time
}

// NewCapacityController creates a controller. emit and m may be nil.
func NewCapacityController(
	f fleet.Fleet,
	registry *Registry,
	cfg ManagerConfig,
	clock clockwork.Clock,
	logger *logging.Logger,
	m *metrics.Collector,
	emit func(domain.Event),
) *CapacityController {
	return &CapacityController{
		fleet:          f,
		registry:       registry,
		clock:          clock,
		maxCapacity:    cfg.MaxCapacity,
		coalesceWindow: cfg.ScaleCoalesceWindow,
		apiTimeout:     cfg.FleetAPITimeout,
		logger:         logger.With("component", "capacity"),
		metrics:        m,
		emit:           emit,
	}
}

// EnsureCapacity makes sure the fleet has been asked for at least one more
// machine than the pool currently knows about.
func (c *CapacityController) EnsureCapacity(ctx context.Context) error {
	_, err, _ := c.group.Do("scale", func() (any, error) {
		return nil, c.ensure(ctx)
	})
	return err
}

func (c *CapacityController) ensure(ctx context.Context) error {
	stats := c.registry.Stats()
	stats.MaxCapacity = c.maxCapacity

	// Never below the busy count.
	target := max(stats.Total+1, stats.Busy)
	switch headroom := stats.Headroom(); {
	case headroom == 0:
		c.count("limited")
		return fmt.Errorf("%w: %d instances, max %d", domain.ErrCapacityLimit, stats.Total, c.maxCapacity)
	case headroom > 0:
		target = min(target, stats.Total+headroom)
	}

	c.mu.Lock()
	desired := c.desired
	recent := !c.requestedAt.IsZero() && c.clock.Since(c.requestedAt) < c.coalesceWindow
	c.mu.Unlock()

	if target <= desired && recent {
		c.count("coalesced")
		c.logger.Debug("Capacity already requested", "target", target, "desired", desired)
		return nil
	}
	// Re-asserting a higher desired value is harmless; lowering it could
	// make the fleet reclaim a machine that is still booting.
	target = max(target, desired)

	// Shared by every caller joined on this flight, so one caller's
	// cancellation must not abort it for the others.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.apiTimeout)
	defer cancel()

	if err := c.fleet.SetDesiredCapacity(callCtx, target); err != nil {
		c.count("failure")
		c.logger.Warn("Failed to set desired capacity", "target", target, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrFleetUnavailable, err)
	}

	c.mu.Lock()
	if target > c.desired {
		c.desired = target
	}
	c.requestedAt = c.clock.Now()
	c.mu.Unlock()

	c.count("success")
	c.logger.Info("Requested capacity", "target", target, "idle", stats.Idle, "busy", stats.Busy, "total", stats.Total)
	if c.emit != nil {
		c.emit(domain.Event{Type: domain.EventScaleRequested, DesiredCapacity: target})
	}
	return nil
}

func (c *CapacityController) count(result string) {
	if c.metrics != nil {
		c.metrics.CapacityRequestsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveCount raises the desired capacity when the fleet reports more
// machines than were requested, e.g. after an external scale-up.
func (c *CapacityController) ObserveCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.desired {
		c.desired = n
	}
}

// NoteTermination records a terminate-with-decrement, keeping the desired
// capacity at or above the busy count.
func (c *CapacityController) NoteTermination() {
	busy := c.registry.Stats().Busy

	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = max(c.desired-1, busy, 0)
}

// Desired returns the desired capacity last requested or observed.
func (c *CapacityController) Desired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}
