package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

const (
	serverName    = "vscode"        // Caddy server holding session routes
	serverListen  = ":8443"         // Kept apart from servers configured elsewhere
	routeIDPrefix = "vscode-route-" // Caddy @id prefix of session routes
)

// CaddyRouteManager implements RouteManager using the Caddy admin API.
type CaddyRouteManager struct {
	adminURL   string
	baseDomain string
	httpClient *http.Client
	logger     *logging.Logger

	// serverReady is set once the session server is known to exist.
	mu          sync.Mutex
	serverReady bool
}

// NewCaddyRouteManager creates a new Caddy-based route manager. logger may be nil.
func NewCaddyRouteManager(cfg *config.ProxyConfig, logger *logging.Logger) *CaddyRouteManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &CaddyRouteManager{
		adminURL:   strings.TrimSuffix(cfg.CaddyAdminURL, "/"),
		baseDomain: cfg.BaseDomain,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With("component", "caddy"),
	}
}

// caddyRoute represents a Caddy route in JSON format.
type caddyRoute struct {
	ID       string         `json:"@id,omitempty"`
	Match    []caddyMatch   `json:"match,omitempty"`
	Handle   []caddyHandler `json:"handle"`
	Terminal bool           `json:"terminal,omitempty"`
}

type caddyMatch struct {
	Host []string `json:"host,omitempty"`
}

type caddyHandler struct {
	Handler       string          `json:"handler"`
	Routes        []caddySubroute `json:"routes,omitempty"`
	Upstreams     []caddyUpstream `json:"upstreams,omitempty"`
	Transport     *caddyTransport `json:"transport,omitempty"`
	FlushInterval int             `json:"flush_interval,omitempty"`
}

type caddySubroute struct {
	Handle []caddyHandler `json:"handle"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

type caddyTransport struct {
	Protocol string         `json:"protocol"`
	TLS      map[string]any `json:"tls,omitempty"`
}

// caddyServer represents a Caddy HTTP server.
type caddyServer struct {
	Listen []string     `json:"listen"`
	Routes []caddyRoute `json:"routes"`
}

// AddRoute adds the route for an instance, replacing any existing route
// with the same hostname.
func (m *CaddyRouteManager) AddRoute(ctx context.Context, route Route) error {
	if err := m.ensureServerExists(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(m.buildCaddyRoute(route))
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}

	// Caddy rejects a duplicate @id, so drop a stale route first.
	if err := m.RemoveRoute(ctx, route.Hostname); err != nil {
		return err
	}

	resp, err := m.do(ctx, http.MethodPost, m.routesPath(), data)
	if err != nil {
		return fmt.Errorf("failed to add route: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	m.logger.Debug("Route added", "hostname", route.Hostname, "upstream", route.UpstreamURL)
	return nil
}

// RemoveRoute removes a route by hostname.
func (m *CaddyRouteManager) RemoveRoute(ctx context.Context, hostname string) error {
	resp, err := m.do(ctx, http.MethodDelete, "/id/"+m.routeID(hostname), nil)
	if err != nil {
		return fmt.Errorf("failed to remove route: %w", err)
	}
	defer resp.Body.Close()

	// Caddy answers a missing @id with 404 or, on older versions, 500 "unknown object ID".
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "unknown object ID") {
		return nil
	}
	return fmt.Errorf("caddy returned status %d: %s", resp.StatusCode, string(body))
}

// GetRoute returns a route by hostname.
func (m *CaddyRouteManager) GetRoute(ctx context.Context, hostname string) (*Route, error) {
	resp, err := m.do(ctx, http.MethodGet, "/id/"+m.routeID(hostname), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrRouteNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(body), "unknown object ID") {
			return nil, domain.ErrRouteNotFound
		}
		return nil, fmt.Errorf("caddy returned status %d: %s", resp.StatusCode, string(body))
	}

	var cRoute caddyRoute
	if err := json.NewDecoder(resp.Body).Decode(&cRoute); err != nil {
		return nil, fmt.Errorf("failed to decode route: %w", err)
	}

	route := m.caddyRouteToRoute(cRoute)
	if route == nil {
		return nil, domain.ErrRouteNotFound
	}
	return route, nil
}

// ListRoutes returns every session route.
func (m *CaddyRouteManager) ListRoutes(ctx context.Context) ([]Route, error) {
	resp, err := m.do(ctx, http.MethodGet, m.routesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer resp.Body.Close()

	// No routes yet is fine
	if resp.StatusCode == http.StatusNotFound {
		return []Route{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var cRoutes []caddyRoute
	if err := json.NewDecoder(resp.Body).Decode(&cRoutes); err != nil {
		return nil, fmt.Errorf("failed to decode routes: %w", err)
	}

	routes := make([]Route, 0, len(cRoutes))
	for _, cRoute := range cRoutes {
		if !strings.HasPrefix(cRoute.ID, routeIDPrefix) {
			continue
		}
		if route := m.caddyRouteToRoute(cRoute); route != nil {
			routes = append(routes, *route)
		}
	}
	return routes, nil
}

// Health checks if Caddy is responding.
func (m *CaddyRouteManager) Health(ctx context.Context) error {
	resp, err := m.do(ctx, http.MethodGet, "/config/", nil)
	if err != nil {
		return fmt.Errorf("caddy health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("caddy returned status %d", resp.StatusCode)
	}
	return nil
}

// ensureServerExists creates the session server the first time a route is added.
func (m *CaddyRouteManager) ensureServerExists(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serverReady {
		return nil
	}

	path := "/config/apps/http/servers/" + serverName
	resp, err := m.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("failed to check caddy server: %w", err)
	}
	// Caddy returns 200 with "null" body when the path exists but has no value
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if trimmed := strings.TrimSpace(string(body)); resp.StatusCode == http.StatusOK && trimmed != "null" && trimmed != "" {
		m.serverReady = true
		return nil
	}

	data, err := json.Marshal(caddyServer{Listen: []string{serverListen}, Routes: []caddyRoute{}})
	if err != nil {
		return err
	}

	resp, err = m.do(ctx, http.MethodPut, path, data)
	if err != nil {
		return fmt.Errorf("failed to create caddy server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to create caddy server: %w", statusError(resp))
	}

	m.logger.Info("Created caddy server", "server", serverName, "listen", serverListen)
	m.serverReady = true
	return nil
}

func (m *CaddyRouteManager) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.adminURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return m.httpClient.Do(req)
}

func (m *CaddyRouteManager) routesPath() string {
	return "/config/apps/http/servers/" + serverName + "/routes"
}

// buildCaddyRoute creates a Caddy route from our Route struct. VS Code
// keeps long-lived websocket and streaming connections, so responses are
// flushed immediately.
func (m *CaddyRouteManager) buildCaddyRoute(route Route) caddyRoute {
	proxy := caddyHandler{
		Handler:       "reverse_proxy",
		FlushInterval: -1,
	}

	upstream := route.UpstreamURL
	if rest, ok := strings.CutPrefix(upstream, "https://"); ok {
		upstream = rest
		proxy.Transport = &caddyTransport{Protocol: "http", TLS: map[string]any{}}
	}
	upstream = strings.TrimPrefix(upstream, "http://")
	proxy.Upstreams = []caddyUpstream{{Dial: upstream}}

	return caddyRoute{
		ID:       m.routeID(route.Hostname),
		Match:    []caddyMatch{{Host: []string{m.fullHostname(route.Hostname)}}},
		Handle:   []caddyHandler{{Handler: "subroute", Routes: []caddySubroute{{Handle: []caddyHandler{proxy}}}}},
		Terminal: true,
	}
}

// caddyRouteToRoute converts a Caddy route back to our Route struct.
func (m *CaddyRouteManager) caddyRouteToRoute(cRoute caddyRoute) *Route {
	if len(cRoute.Match) == 0 || len(cRoute.Match[0].Host) == 0 || len(cRoute.Handle) == 0 {
		return nil
	}

	hostname := strings.TrimSuffix(cRoute.Match[0].Host[0], "."+m.baseDomain)

	upstreamURL := ""
	if cRoute.Handle[0].Handler == "subroute" && len(cRoute.Handle[0].Routes) > 0 {
		for _, h := range cRoute.Handle[0].Routes[0].Handle {
			if h.Handler == "reverse_proxy" && len(h.Upstreams) > 0 {
				scheme := "http://"
				if h.Transport != nil && h.Transport.TLS != nil {
					scheme = "https://"
				}
				upstreamURL = scheme + h.Upstreams[0].Dial
				break
			}
		}
	}

	return &Route{
		Hostname:    hostname,
		UpstreamURL: upstreamURL,
		InstanceID:  hostname,
	}
}

func (m *CaddyRouteManager) fullHostname(hostname string) string {
	if strings.Contains(hostname, ".") || m.baseDomain == "" {
		return hostname
	}
	return hostname + "." + m.baseDomain
}

// routeID derives the Caddy @id for a hostname.
func (m *CaddyRouteManager) routeID(hostname string) string {
	short := strings.TrimSuffix(hostname, "."+m.baseDomain)
	return routeIDPrefix + strings.ReplaceAll(short, ".", "-")
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("caddy returned status %d: %s", resp.StatusCode, string(body))
}

// Compile-time check that CaddyRouteManager implements RouteManager
var _ RouteManager = (*CaddyRouteManager)(nil)
