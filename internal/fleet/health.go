package fleet

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// HealthCheckConfig contains configuration for session health probes.
type HealthCheckConfig struct {
	TCPTimeout  time.Duration
	HTTPTimeout time.Duration
	Scheme      string
}

// DefaultHealthCheckConfig returns sensible defaults for health probing.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		TCPTimeout:  2 * time.Second,
		HTTPTimeout: 5 * time.Second,
		Scheme:      "http",
	}
}

// HealthChecker probes whether a session server answers on its address.
type HealthChecker struct {
	client  *http.Client
	cfg     HealthCheckConfig
	logger  *logging.Logger
	metrics *metrics.Collector
}

// NewHealthChecker creates a prober. metrics may be nil.
func NewHealthChecker(cfg HealthCheckConfig, logger *logging.Logger, m *metrics.Collector) *HealthChecker {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &HealthChecker{
		cfg:     cfg,
		logger:  logger.With("component", "health"),
		metrics: m,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
			// A redirect to the login page still means the server is up.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Healthy performs a TCP connect and then an HTTP GET against address.
// Any 2xx-4xx response counts as healthy. Connection failures are expected
// while a server boots, so they report false without an error.
func (h *HealthChecker) Healthy(ctx context.Context, id, address string) bool {
	healthy := h.probe(ctx, id, address)
	if h.metrics != nil {
		result := "healthy"
		if !healthy {
			result = "unhealthy"
		}
		h.metrics.HealthChecksTotal.WithLabelValues(result).Inc()
	}
	return healthy
}

func (h *HealthChecker) probe(ctx context.Context, id, address string) bool {
	dialer := net.Dialer{Timeout: h.cfg.TCPTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		h.logger.Debug("Health check TCP failed", "instanceID", id, "error", err)
		return false
	}
	conn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.Scheme+"://"+address+"/healthz", nil)
	if err != nil {
		return false
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("Health check HTTP failed", "instanceID", id, "error", err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 500
	if !healthy {
		h.logger.Debug("Health check HTTP unexpected status", "instanceID", id, "status", resp.StatusCode)
	}
	return healthy
}
