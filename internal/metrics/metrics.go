// Package metrics provides Prometheus instrumentation for the session broker.
package metrics

import (
	"net/http"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vscode"

// Histogram bucket definitions.
var (
	// In-memory operations (allocation, route updates)
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0}

	// Fleet API round trips and HTTP requests
	mediumBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
)

// Collector holds all Prometheus metrics for the broker.
type Collector struct {
	// Gauges - current pool state
	PoolIdle            prometheus.Gauge
	PoolBusy            prometheus.Gauge
	PoolPending         prometheus.Gauge
	PoolTotal           prometheus.Gauge
	DesiredCapacity     prometheus.Gauge
	PendingTerminations prometheus.Gauge

	// Counters
	AllocationsTotal      *prometheus.CounterVec
	CapacityRequestsTotal *prometheus.CounterVec
	TerminationsTotal     *prometheus.CounterVec
	SyncTotal             *prometheus.CounterVec
	HealthChecksTotal     *prometheus.CounterVec
	RouteOpsTotal         *prometheus.CounterVec
	EventsPublishedTotal  *prometheus.CounterVec

	// Histograms
	SyncDuration        prometheus.Histogram
	FleetCallDuration   *prometheus.HistogramVec
	AllocationDuration  prometheus.Histogram
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_instances",
			Help:      "Number of idle instances ready for allocation",
		}),
		PoolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_instances",
			Help:      "Number of instances handed out to sessions",
		}),
		PoolPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pending_termination_instances",
			Help:      "Number of instances waiting out their grace period",
		}),
		PoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "instances",
			Help:      "Number of instances known to the registry",
		}),
		DesiredCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "desired_capacity",
			Help:      "Desired capacity last requested from the fleet",
		}),
		PendingTerminations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pending_terminations",
			Help:      "Number of armed termination timers",
		}),

		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total number of allocation requests by outcome",
		}, []string{"result"}),
		CapacityRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_requests_total",
			Help:      "Total number of desired-capacity updates by outcome",
		}, []string{"result"}),
		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Total number of termination timer firings by outcome",
		}, []string{"result"}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Total number of fleet synchronization passes by outcome",
		}, []string{"result"}),
		HealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of session health probes",
		}, []string{"result"}),
		RouteOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_operations_total",
			Help:      "Total number of proxy route operations",
		}, []string{"operation", "result"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of pool events published",
		}, []string{"result"}),

		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Fleet synchronization pass latency in seconds",
			Buckets:   mediumBuckets,
		}),
		FleetCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fleet_call_duration_seconds",
			Help:      "Fleet management API call latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"operation"}),
		AllocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Allocation latency in seconds",
			Buckets:   fastBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		c.PoolIdle,
		c.PoolBusy,
		c.PoolPending,
		c.PoolTotal,
		c.DesiredCapacity,
		c.PendingTerminations,
		c.AllocationsTotal,
		c.CapacityRequestsTotal,
		c.TerminationsTotal,
		c.SyncTotal,
		c.HealthChecksTotal,
		c.RouteOpsTotal,
		c.EventsPublishedTotal,
		c.SyncDuration,
		c.FleetCallDuration,
		c.AllocationDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// UpdatePool sets the pool gauges from a stats snapshot.
func (c *Collector) UpdatePool(stats domain.PoolStats, pendingTimers int) {
	c.PoolIdle.Set(float64(stats.Idle))
	c.PoolBusy.Set(float64(stats.Busy))
	c.PoolPending.Set(float64(stats.PendingTermination))
	c.PoolTotal.Set(float64(stats.Total))
	c.DesiredCapacity.Set(float64(stats.DesiredCapacity))
	c.PendingTerminations.Set(float64(pendingTimers))
}

// ObserveFleetCall records the latency of one fleet API call.
func (c *Collector) ObserveFleetCall(operation string, started time.Time) {
	c.FleetCallDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Result maps an error to the "success"/"failure" label used by the counters.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
