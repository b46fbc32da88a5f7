package fleet

import (
	"context"
	"time"

	"github.com/instant-demo/vscode-broker/internal/metrics"
)

// instrumented records the latency of every call on the wrapped Fleet.
type instrumented struct {
	Fleet
	metrics *metrics.Collector
}

// Instrument wraps f so each call is observed in fleet_call_duration_seconds.
// A nil collector returns f unchanged.
func Instrument(f Fleet, m *metrics.Collector) Fleet {
	if m == nil {
		return f
	}
	return &instrumented{Fleet: f, metrics: m}
}

func (i *instrumented) ListManagedInstances(ctx context.Context) ([]Observed, error) {
	defer i.metrics.ObserveFleetCall("list", time.Now())
	return i.Fleet.ListManagedInstances(ctx)
}

func (i *instrumented) SetDesiredCapacity(ctx context.Context, n int) error {
	defer i.metrics.ObserveFleetCall("set_desired_capacity", time.Now())
	return i.Fleet.SetDesiredCapacity(ctx, n)
}

func (i *instrumented) TerminateInstance(ctx context.Context, id string) error {
	defer i.metrics.ObserveFleetCall("terminate", time.Now())
	return i.Fleet.TerminateInstance(ctx, id)
}
