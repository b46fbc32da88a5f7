package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_UpdatePool(t *testing.T) {
	c := NewCollector()
	c.UpdatePool(domain.PoolStats{Idle: 2, Busy: 3, PendingTermination: 1, Total: 6, DesiredCapacity: 7}, 1)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"idle", testutil.ToFloat64(c.PoolIdle), 2},
		{"busy", testutil.ToFloat64(c.PoolBusy), 3},
		{"pending", testutil.ToFloat64(c.PoolPending), 1},
		{"total", testutil.ToFloat64(c.PoolTotal), 6},
		{"desired", testutil.ToFloat64(c.DesiredCapacity), 7},
		{"timers", testutil.ToFloat64(c.PendingTerminations), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("gauge = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCollector_ObserveFleetCall(t *testing.T) {
	c := NewCollector()
	c.ObserveFleetCall("list", time.Now().Add(-50*time.Millisecond))
	c.ObserveFleetCall("list", time.Now())

	if got := testutil.CollectAndCount(c.FleetCallDuration); got != 1 {
		t.Errorf("CollectAndCount() = %d, want 1 series", got)
	}
}

func TestResult(t *testing.T) {
	if got := Result(nil); got != "success" {
		t.Errorf("Result(nil) = %q, want success", got)
	}
	if got := Result(errors.New("boom")); got != "failure" {
		t.Errorf("Result(err) = %q, want failure", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.AllocationsTotal.WithLabelValues("assigned").Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `vscode_allocations_total{result="assigned"} 1`) {
		t.Errorf("metrics output missing allocation counter:\n%s", rec.Body.String())
	}
}
