package fleet

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthChecker_Healthy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"redirect to login", http.StatusFound, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"server error", http.StatusInternalServerError, false},
		{"unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					http.Redirect(w, r, "/login", http.StatusFound)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewHealthChecker(DefaultHealthCheckConfig(), logging.Nop(), nil)
			address := strings.TrimPrefix(srv.URL, "http://")
			if got := h.Healthy(context.Background(), "i-1", address); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthChecker_ConnectionRefused(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	address := ln.Addr().String()
	ln.Close()

	m := metrics.NewCollector()
	cfg := DefaultHealthCheckConfig()
	cfg.TCPTimeout = 200 * time.Millisecond
	h := NewHealthChecker(cfg, logging.Nop(), m)

	if h.Healthy(context.Background(), "i-1", address) {
		t.Error("Healthy() = true for closed port, want false")
	}
	if got := testutil.ToFloat64(m.HealthChecksTotal.WithLabelValues("unhealthy")); got != 1 {
		t.Errorf("unhealthy probes = %v, want 1", got)
	}
}
