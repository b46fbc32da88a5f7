package pool

import (
	"context"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
)

// Manager is the pool engine as seen by the request layer.
type Manager interface {
	// Allocate hands an idle instance to sessionKey, or reports that the
	// pool is scaling (AllocationStarting) or cannot scale
	// (AllocationUnavailable, with an error wrapping domain.ErrScalingUnavailable).
	Allocate(ctx context.Context, sessionKey string) (domain.Allocation, error)

	// RequestTermination schedules a teardown after the grace period.
	// Returns domain.ErrInvalidInstanceID for an empty ID and
	// domain.ErrInstanceNotFound for an ID the pool does not know.
	RequestTermination(ctx context.Context, instanceID string) (domain.TerminationTicket, error)

	// CancelTermination disarms a pending teardown and returns the instance
	// to its session.
	CancelTermination(ctx context.Context, instanceID string) error

	// Release returns a busy instance to the idle set.
	Release(ctx context.Context, instanceID string) error

	// Stats returns current pool statistics.
	Stats(ctx context.Context) domain.PoolStats

	// Instances returns a snapshot of the registry.
	Instances(ctx context.Context) []domain.Instance

	// StartSync starts the background synchronization loop.
	StartSync(ctx context.Context) error

	// StopSync stops the background synchronization loop.
	StopSync() error

	// SyncNow requests an immediate synchronization pass.
	SyncNow()
}

// Notifier receives pool lifecycle events. Notify must not block.
type Notifier interface {
	Notify(event domain.Event)
}

// ManagerConfig holds configuration for the pool engine.
type ManagerConfig struct {
	SyncInterval        time.Duration // How often to reconcile with the fleet
	GracePeriod         time.Duration // Delay before a requested teardown fires
	LowWaterMark        int           // Scale pre-emptively at or below this many idle instances
	MaxCapacity         int           // Hard cap on fleet size, 0 for unlimited
	ScaleCoalesceWindow time.Duration // Do not resend the same capacity request within this window
	FleetAPITimeout     time.Duration // Bound on every fleet API call
	RequireHealthy      bool          // Probe new instances before admitting them
	SessionScheme       string        // Scheme of direct session URLs
	ProxyBaseDomain     string        // Non-empty when sessions are routed through the proxy
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SyncInterval:        10 * time.Second,
		GracePeriod:         10 * time.Second,
		LowWaterMark:        1,
		MaxCapacity:         0,
		ScaleCoalesceWindow: 2 * time.Minute,
		FleetAPITimeout:     10 * time.Second,
		SessionScheme:       "http",
	}
}

// ManagerConfigFrom builds a ManagerConfig from application configuration.
func ManagerConfigFrom(cfg *config.Config) ManagerConfig {
	mc := ManagerConfig{
		SyncInterval:        cfg.Pool.SyncInterval,
		GracePeriod:         cfg.Pool.GracePeriod,
		LowWaterMark:        cfg.Pool.LowWaterMark,
		MaxCapacity:         cfg.Pool.MaxCapacity,
		ScaleCoalesceWindow: cfg.Pool.ScaleCoalesceWindow,
		FleetAPITimeout:     cfg.Fleet.APITimeout,
		RequireHealthy:      cfg.Pool.RequireHealthy,
		SessionScheme:       cfg.Fleet.SessionScheme,
	}
	if cfg.Proxy.Enabled {
		mc.ProxyBaseDomain = cfg.Proxy.BaseDomain
	}
	return mc
}
