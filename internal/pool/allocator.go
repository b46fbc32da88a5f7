package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// Allocator hands idle instances to sessions and asks for capacity when the
// idle set runs low.
type Allocator struct {
	registry *Registry
	capacity *CapacityController
	lowWater int
	logger   *logging.Logger
	metrics  *metrics.Collector

	// preemptive scale-ups still running
	background sync.WaitGroup
}

// NewAllocator creates an allocator. m may be nil.
func NewAllocator(registry *Registry, capacity *CapacityController, cfg ManagerConfig, logger *logging.Logger, m *metrics.Collector) *Allocator {
	return &Allocator{
		registry: registry,
		capacity: capacity,
		lowWater: cfg.LowWaterMark,
		logger:   logger.With("component", "allocator"),
		metrics:  m,
	}
}

// Allocate assigns an idle instance to sessionKey. With no idle instance it
// asks for capacity and reports AllocationStarting, or AllocationUnavailable
// with an error wrapping domain.ErrScalingUnavailable if that failed.
func (a *Allocator) Allocate(ctx context.Context, sessionKey string) (domain.Allocation, error) {
	start := time.Now()
	logger := a.logger.WithContext(ctx)

	inst, after, ok := a.registry.AcquireIdle()
	if !ok {
		if err := a.capacity.EnsureCapacity(ctx); err != nil {
			a.record("unavailable", start)
			logger.Warn("No idle instance and scaling failed", "session", sessionKey, "error", err)
			return domain.Allocation{Status: domain.AllocationUnavailable},
				fmt.Errorf("%w: %w", domain.ErrScalingUnavailable, err)
		}
		a.record("starting", start)
		logger.Info("No idle instance, pool is scaling", "session", sessionKey)
		return domain.Allocation{Status: domain.AllocationStarting}, nil
	}

	if after.NeedsScaleUp(a.lowWater) {
		a.preempt(ctx, after.Idle)
	}

	a.record("assigned", start)
	logger.Info("Instance assigned", "session", sessionKey, "instanceID", inst.ID, "idleLeft", after.Idle)
	return domain.Allocation{
		Status:     domain.AllocationAssigned,
		InstanceID: inst.ID,
		Address:    inst.Address,
	}, nil
}

// preempt grows the pool in the background; the current request has already
// been served, so failures are only logged.
func (a *Allocator) preempt(ctx context.Context, idleLeft int) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		if err := a.capacity.EnsureCapacity(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Pre-emptive scale-up failed", "idleLeft", idleLeft, "error", err)
		}
	}()
}

// Wait blocks until background scale-ups finish.
func (a *Allocator) Wait() {
	a.background.Wait()
}

func (a *Allocator) record(result string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.AllocationsTotal.WithLabelValues(result).Inc()
	a.metrics.AllocationDuration.Observe(time.Since(start).Seconds())
}
