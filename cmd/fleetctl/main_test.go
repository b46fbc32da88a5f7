package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/instant-demo/vscode-broker/internal/api"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCommand(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pool/stats" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode(api.StatsResponse{
			PoolStats: domain.PoolStats{Idle: 1, Busy: 2, Total: 3, DesiredCapacity: 5, MaxCapacity: 8},
			Counters:  map[string]int64{"terminations": 4, "allocations": 9},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	err := app.Run([]string{"fleetctl", "stats", "--addr", srv.URL, "--api-key", "secret"})

	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	text := out.String()
	assert.Regexp(t, `booting\s+2`, text)
	assert.Regexp(t, `max\s+8`, text)
	assert.Less(t, strings.Index(text, "allocations"), strings.Index(text, "terminations"))
}

func TestStatsCommand_BrokerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid API key"}`))
	}))
	defer srv.Close()

	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"fleetctl", "stats", "--addr", srv.URL})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPrintRoutes(t *testing.T) {
	var out bytes.Buffer
	routes := []proxy.Route{
		{Hostname: "i-2", UpstreamURL: "http://10.0.0.2:8080"},
		{Hostname: "i-1", UpstreamURL: "http://10.0.0.1:8080"},
	}

	require.NoError(t, printRoutes(&out, routes))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "HOSTNAME"))
	assert.True(t, strings.HasPrefix(lines[1], "i-1"))
	assert.Contains(t, lines[2], "http://10.0.0.2:8080")
}
