package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/internal/proxy"
	"github.com/instant-demo/vscode-broker/internal/store"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
)

// sideEffectTimeout bounds proxy and ledger calls made outside a request.
const sideEffectTimeout = 5 * time.Second

// Dependencies are the collaborators of a Broker. Only Fleet is required.
type Dependencies struct {
	Fleet    fleet.Fleet
	Proxy    proxy.RouteManager   // Routes sessions through the reverse proxy
	Store    store.Repository     // Assignment ledger
	Notifier Notifier             // Lifecycle event sink
	Health   *fleet.HealthChecker // Used when RequireHealthy is set
	Clock    clockwork.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Collector
}

// Broker composes the registry, synchronizer, allocator, capacity controller
// and termination scheduler into the pool engine.
type Broker struct {
	cfg          ManagerConfig
	registry     *Registry
	capacity     *CapacityController
	allocator    *Allocator
	scheduler    *TerminationScheduler
	synchronizer *Synchronizer

	proxy    proxy.RouteManager
	store    store.Repository
	notifier Notifier
	logger   *logging.Logger
	metrics  *metrics.Collector
}

// NewBroker wires a Broker from cfg and deps.
func NewBroker(cfg ManagerConfig, deps Dependencies) *Broker {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}

	b := &Broker{
		cfg:      cfg,
		registry: NewRegistry(),
		proxy:    deps.Proxy,
		store:    deps.Store,
		notifier: deps.Notifier,
		logger:   deps.Logger.With("component", "pool"),
		metrics:  deps.Metrics,
	}

	health := deps.Health
	if !cfg.RequireHealthy {
		health = nil
	}

	b.capacity = NewCapacityController(deps.Fleet, b.registry, cfg, deps.Clock, deps.Logger, deps.Metrics, b.emit)
	b.allocator = NewAllocator(b.registry, b.capacity, cfg, deps.Logger, deps.Metrics)
	b.scheduler = NewTerminationScheduler(b.registry, deps.Fleet, b.capacity, cfg, deps.Clock, deps.Logger, deps.Metrics, b.emit)
	b.scheduler.onTerminated = b.afterTermination
	b.synchronizer = NewSynchronizer(deps.Fleet, b.registry, b.capacity, health, cfg, deps.Clock, deps.Logger, deps.Metrics)
	b.synchronizer.onSynced = b.afterSync

	return b
}

// Allocate implements Manager.
func (b *Broker) Allocate(ctx context.Context, sessionKey string) (domain.Allocation, error) {
	defer b.observe()

	alloc, err := b.allocator.Allocate(ctx, sessionKey)
	if err != nil || !alloc.Assigned() {
		return alloc, err
	}

	inst := domain.Instance{ID: alloc.InstanceID, Address: alloc.Address, State: domain.StateBusy}
	alloc.URL = inst.URL(b.cfg.SessionScheme)
	if b.routed() {
		if err := b.addRoute(ctx, inst); err != nil {
			b.logger.WithContext(ctx).Warn("Failed to add route, using direct address", "instanceID", inst.ID, "error", err)
		} else {
			alloc.URL = inst.ProxyURL(b.cfg.ProxyBaseDomain)
		}
	}

	b.recordAssignment(ctx, sessionKey, inst)
	b.emit(domain.Event{Type: domain.EventInstanceAssigned, InstanceID: inst.ID, SessionKey: sessionKey})
	return alloc, nil
}

// RequestTermination implements Manager.
func (b *Broker) RequestTermination(ctx context.Context, instanceID string) (domain.TerminationTicket, error) {
	if instanceID == "" {
		return domain.TerminationTicket{}, domain.ErrInvalidInstanceID
	}
	defer b.observe()

	ticket, err := b.scheduler.Schedule(instanceID)
	if err != nil {
		return domain.TerminationTicket{}, err
	}

	b.logger.WithContext(ctx).Info("Termination requested", "instanceID", instanceID, "delaySeconds", ticket.DelaySeconds())
	b.emit(domain.Event{Type: domain.EventTerminationScheduled, InstanceID: instanceID})
	return ticket, nil
}

// CancelTermination implements Manager.
func (b *Broker) CancelTermination(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return domain.ErrInvalidInstanceID
	}
	defer b.observe()

	if !b.scheduler.Cancel(instanceID) {
		if _, ok := b.registry.Get(instanceID); !ok {
			return domain.ErrInstanceNotFound
		}
		return domain.ErrNotPendingTermination
	}

	b.logger.WithContext(ctx).Info("Termination cancelled", "instanceID", instanceID)
	b.emit(domain.Event{Type: domain.EventTerminationCancelled, InstanceID: instanceID})
	return nil
}

// Release implements Manager.
func (b *Broker) Release(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return domain.ErrInvalidInstanceID
	}
	defer b.observe()

	if err := b.scheduler.Release(instanceID); err != nil {
		return err
	}

	b.dropSession(ctx, instanceID)
	b.logger.WithContext(ctx).Info("Instance released", "instanceID", instanceID)
	b.emit(domain.Event{Type: domain.EventInstanceReleased, InstanceID: instanceID})
	return nil
}

// Stats implements Manager.
func (b *Broker) Stats(ctx context.Context) domain.PoolStats {
	stats := b.registry.Stats()
	stats.DesiredCapacity = b.capacity.Desired()
	stats.MaxCapacity = b.cfg.MaxCapacity
	stats.LastSync = b.synchronizer.LastSync()
	return stats
}

// Instances implements Manager.
func (b *Broker) Instances(ctx context.Context) []domain.Instance {
	return b.registry.List()
}

// PendingTerminations returns the IDs with an armed teardown timer.
func (b *Broker) PendingTerminations() []string {
	return b.scheduler.Pending()
}

// SyncOnce runs one synchronization pass in the caller's goroutine.
func (b *Broker) SyncOnce(ctx context.Context) error {
	return b.synchronizer.SyncOnce(ctx)
}

// StartSync implements Manager.
func (b *Broker) StartSync(ctx context.Context) error {
	return b.synchronizer.Start(ctx)
}

// StopSync implements Manager.
func (b *Broker) StopSync() error {
	return b.synchronizer.Stop()
}

// SyncNow implements Manager.
func (b *Broker) SyncNow() {
	b.synchronizer.Trigger()
}

// Close stops synchronization, disarms pending teardowns without firing
// them and waits for background work.
func (b *Broker) Close() error {
	err := b.synchronizer.Stop()
	b.scheduler.Stop()
	b.allocator.Wait()
	return err
}

func (b *Broker) afterSync(added, removed []string) {
	for _, id := range removed {
		b.scheduler.Forget(id)
		b.dropSession(context.Background(), id)
	}
	b.observe()
}

func (b *Broker) afterTermination(id string) {
	b.dropSession(context.Background(), id)
	b.observe()
}

// dropSession removes the proxy route and ledger record of an instance that
// no longer serves its session.
func (b *Broker) dropSession(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if b.routed() {
		err := b.proxy.RemoveRoute(ctx, id)
		b.countRoute("remove", err)
		if err != nil {
			b.logger.Warn("Failed to remove route", "instanceID", id, "error", err)
		}
	}
	if b.store != nil {
		if err := b.store.DeleteAssignment(ctx, id); err != nil {
			b.logger.Warn("Failed to delete assignment", "instanceID", id, "error", err)
		}
	}
}

func (b *Broker) routed() bool {
	return b.proxy != nil && b.cfg.ProxyBaseDomain != ""
}

func (b *Broker) addRoute(ctx context.Context, inst domain.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	err := b.proxy.AddRoute(ctx, proxy.Route{
		Hostname:    inst.ID,
		UpstreamURL: inst.URL(b.cfg.SessionScheme),
		InstanceID:  inst.ID,
	})
	b.countRoute("add", err)
	return err
}

func (b *Broker) countRoute(operation string, err error) {
	if b.metrics != nil {
		b.metrics.RouteOpsTotal.WithLabelValues(operation, metrics.Result(err)).Inc()
	}
}

// recordAssignment writes the ledger entry. The allocation already
// succeeded, so failures are only logged.
func (b *Broker) recordAssignment(ctx context.Context, sessionKey string, inst domain.Instance) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	assignment := domain.Assignment{
		InstanceID: inst.ID,
		SessionKey: sessionKey,
		Address:    inst.Address,
		AssignedAt: time.Now().UTC(),
	}
	if err := b.store.SaveAssignment(ctx, assignment); err != nil {
		b.logger.WithContext(ctx).Warn("Failed to record assignment", "instanceID", inst.ID, "error", err)
	}
	if err := b.store.IncrementCounter(ctx, "allocations"); err != nil {
		b.logger.Warn("Failed to increment counter", "error", err)
	}
}

// emit stamps an event and hands it to the notifier. It may run on timer
// goroutines, so it uses wall time rather than the injected clock.
func (b *Broker) emit(event domain.Event) {
	if b.notifier == nil {
		return
	}
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().UTC()
	b.notifier.Notify(event)
}

func (b *Broker) observe() {
	if b.metrics != nil {
		b.metrics.UpdatePool(b.Stats(context.Background()), b.scheduler.PendingCount())
	}
}

// Compile-time check that Broker implements Manager
var _ Manager = (*Broker)(nil)
