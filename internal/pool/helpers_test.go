package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/fleet/fleettest"
	"github.com/instant-demo/vscode-broker/internal/proxy"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
)

// MockRouteManager implements proxy.RouteManager for testing.
type MockRouteManager struct {
	mu     sync.Mutex
	routes map[string]proxy.Route
	addErr error
}

func NewMockRouteManager() *MockRouteManager {
	return &MockRouteManager{routes: make(map[string]proxy.Route)}
}

func (m *MockRouteManager) AddRoute(ctx context.Context, route proxy.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.routes[route.Hostname] = route
	return nil
}

func (m *MockRouteManager) RemoveRoute(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, hostname)
	return nil
}

func (m *MockRouteManager) GetRoute(ctx context.Context, hostname string) (*proxy.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if route, ok := m.routes[hostname]; ok {
		return &route, nil
	}
	return nil, domain.ErrRouteNotFound
}

func (m *MockRouteManager) ListRoutes(ctx context.Context) ([]proxy.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	routes := make([]proxy.Route, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	return routes, nil
}

func (m *MockRouteManager) Health(ctx context.Context) error {
	return nil
}

// MockRepository implements store.Repository for testing.
type MockRepository struct {
	mu          sync.Mutex
	assignments map[string]domain.Assignment
	counters    map[string]int64
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		assignments: make(map[string]domain.Assignment),
		counters:    make(map[string]int64),
	}
}

func (m *MockRepository) SaveAssignment(ctx context.Context, a domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.InstanceID] = a
	return nil
}

func (m *MockRepository) GetAssignment(ctx context.Context, instanceID string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[instanceID]
	if !ok {
		return nil, domain.ErrAssignmentNotFound
	}
	return &a, nil
}

func (m *MockRepository) DeleteAssignment(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, instanceID)
	return nil
}

func (m *MockRepository) ListSessionInstances(ctx context.Context, sessionKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.assignments {
		if a.SessionKey == sessionKey {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockRepository) IncrementCounter(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return nil
}

func (m *MockRepository) GetCounters(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return nil
}

// recordingNotifier collects emitted events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.FleetAPITimeout = time.Second
	return cfg
}

func obs(id string) fleet.Observed {
	return fleet.Observed{ID: id, Address: "10.0.0." + id[len(id)-1:] + ":8080"}
}

// newTestBroker builds a broker over a fake fleet and clock and runs one
// synchronization pass so the registry mirrors the fleet.
func newTestBroker(t *testing.T, cfg ManagerConfig, f *fleettest.Fleet, deps Dependencies) (*Broker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	deps.Fleet = f
	deps.Clock = clock
	deps.Logger = logging.Nop()

	b := NewBroker(cfg, deps)
	t.Cleanup(func() { _ = b.Close() })

	if err := b.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	return b, clock
}
