package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/fleet/fleettest"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynchronizer(f *fleettest.Fleet, health *fleet.HealthChecker) (*Synchronizer, *Registry, *CapacityController, *clockwork.FakeClock, *metrics.Collector) {
	cfg := testConfig()
	registry := NewRegistry()
	clock := clockwork.NewFakeClock()
	m := metrics.NewCollector()
	capacity := NewCapacityController(f, registry, cfg, clock, logging.Nop(), m, nil)
	s := NewSynchronizer(f, registry, capacity, health, cfg, clock, logging.Nop(), m)
	return s, registry, capacity, clock, m
}

func TestSynchronizer_KeepsBusyState(t *testing.T) {
	f := fleettest.New(obs("i-1"))
	s, registry, _, _, _ := newTestSynchronizer(f, nil)

	require.NoError(t, s.SyncOnce(context.Background()))
	require.NoError(t, registry.MarkBusy("i-1"))

	f.SetInstances(obs("i-1"), obs("i-2"))
	require.NoError(t, s.SyncOnce(context.Background()))

	want := []domain.Instance{
		{ID: "i-1", Address: "10.0.0.1:8080", State: domain.StateBusy},
		{ID: "i-2", Address: "10.0.0.2:8080", State: domain.StateIdle},
	}
	assert.Equal(t, want, registry.List())
}

func TestSynchronizer_RemovesVanishedInstances(t *testing.T) {
	f := fleettest.New(obs("i-1"), obs("i-2"))
	s, registry, _, _, _ := newTestSynchronizer(f, nil)

	var gotAdded, gotRemoved []string
	s.onSynced = func(added, removed []string) { gotAdded, gotRemoved = added, removed }

	require.NoError(t, s.SyncOnce(context.Background()))
	assert.Equal(t, []string{"i-1", "i-2"}, gotAdded)

	f.SetInstances(obs("i-2"))
	require.NoError(t, s.SyncOnce(context.Background()))

	assert.Empty(t, gotAdded)
	assert.Equal(t, []string{"i-1"}, gotRemoved)
	assert.Equal(t, 1, registry.Len())
}

func TestSynchronizer_SkipsAddresslessButCountsThem(t *testing.T) {
	f := fleettest.New(obs("i-1"), fleet.Observed{ID: "i-2"})
	s, registry, capacity, _, _ := newTestSynchronizer(f, nil)

	require.NoError(t, s.SyncOnce(context.Background()))

	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, 2, capacity.Desired(), "booting machines count toward capacity")
}

func TestSynchronizer_FailureLeavesRegistryUntouched(t *testing.T) {
	f := fleettest.New(obs("i-1"))
	s, registry, _, _, m := newTestSynchronizer(f, nil)
	require.NoError(t, s.SyncOnce(context.Background()))
	last := s.LastSync()

	f.FailList(errors.New("throttled"))
	f.SetInstances()
	err := s.SyncOnce(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, last, s.LastSync())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncTotal.WithLabelValues("failure")))
}

func TestSynchronizer_RequireHealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	f := fleettest.New(
		fleet.Observed{ID: "up", Address: strings.TrimPrefix(healthy.URL, "http://")},
		fleet.Observed{ID: "down", Address: "127.0.0.1:1"},
	)
	cfg := fleet.DefaultHealthCheckConfig()
	cfg.TCPTimeout = 200 * time.Millisecond
	cfg.HTTPTimeout = 200 * time.Millisecond
	s, registry, _, _, _ := newTestSynchronizer(f, fleet.NewHealthChecker(cfg, logging.Nop(), nil))

	require.NoError(t, s.SyncOnce(context.Background()))

	_, upKnown := registry.Get("up")
	_, downKnown := registry.Get("down")
	assert.True(t, upKnown)
	assert.False(t, downKnown, "unhealthy instance must not be admitted")
}

func TestSynchronizer_StartStop(t *testing.T) {
	f := fleettest.New(obs("i-1"))
	s, registry, _, clock, _ := newTestSynchronizer(f, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second Start must fail")

	require.Eventually(t, func() bool { return registry.Len() == 1 }, waitFor, tick)

	f.SetInstances(obs("i-1"), obs("i-2"))
	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(testConfig().SyncInterval)
	require.Eventually(t, func() bool { return registry.Len() == 2 }, waitFor, tick)

	s.Trigger()
	require.Eventually(t, func() bool { return f.ListCalls() == 3 }, waitFor, tick)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "Stop is idempotent")
}

func TestSynchronizer_StartAfterSyncOnceSkipsInitialPass(t *testing.T) {
	f := fleettest.New(obs("i-1"))
	s, registry, _, clock, _ := newTestSynchronizer(f, nil)
	ctx := context.Background()

	require.NoError(t, s.SyncOnce(ctx))
	require.Equal(t, 1, registry.Len())

	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop() }()

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Never(t, func() bool { return f.ListCalls() != 1 }, 50*time.Millisecond, tick)

	clock.Advance(testConfig().SyncInterval)
	require.Eventually(t, func() bool { return f.ListCalls() == 2 }, waitFor, tick)
}
