package proxy

import (
	"context"
)

// RouteManager publishes session hostnames on a reverse proxy.
// Implementation: Caddy admin API.
type RouteManager interface {
	// AddRoute adds or replaces the route for an instance.
	// The route is active as soon as the call returns.
	AddRoute(ctx context.Context, route Route) error

	// RemoveRoute removes a route by hostname. Removing a missing route is
	// not an error.
	RemoveRoute(ctx context.Context, hostname string) error

	// GetRoute returns a route by hostname.
	GetRoute(ctx context.Context, hostname string) (*Route, error)

	// ListRoutes returns every session route.
	ListRoutes(ctx context.Context) ([]Route, error)

	// Health checks if the proxy is responding.
	Health(ctx context.Context) error
}

// Route maps a public hostname to the instance serving a session.
type Route struct {
	Hostname    string `json:"hostname"`     // e.g. "i-0abc123" or "i-0abc123.code.example.com"
	UpstreamURL string `json:"upstream_url"` // e.g. "http://203.0.113.7:8080"
	InstanceID  string `json:"instance_id"`
}
