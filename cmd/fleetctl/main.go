// Command fleetctl inspects and resizes the machine group behind the broker
// without going through the pool engine. It reads the same environment as
// the server.
//
// Usage:
//
//	fleetctl list
//	fleetctl scale <n>
//	fleetctl terminate <instance-id>
//	fleetctl stats [--addr=http://localhost:9092]
//	fleetctl routes
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/instant-demo/vscode-broker/internal/api"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/proxy"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fleetctl",
		Usage: "Operate the machine group serving VS Code sessions",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "Bound on each fleet API call",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List machines in the group",
				Action: listInstances,
			},
			{
				Name:      "scale",
				Usage:     "Set the desired capacity of the group",
				ArgsUsage: "<n>",
				Action:    scale,
			},
			{
				Name:      "terminate",
				Usage:     "Terminate one machine and lower the desired capacity",
				ArgsUsage: "<instance-id>",
				Action:    terminate,
			},
			{
				Name:  "stats",
				Usage: "Print pool statistics from a running broker",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Value:   "http://localhost:9092",
						Usage:   "Broker base URL",
						EnvVars: []string{"BROKER_ADDR"},
					},
					&cli.StringFlag{
						Name:    "api-key",
						Usage:   "Operator API key",
						EnvVars: []string{"SERVER_API_KEY"},
					},
				},
				Action: stats,
			},
			{
				Name:   "routes",
				Usage:  "List session routes installed in the Caddy proxy",
				Action: listRoutes,
			},
		},
	}
}

// withProvider opens the configured fleet provider for a single command.
func withProvider(c *cli.Context, fn func(ctx context.Context, p fleet.Provider) error) error {
	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	p, err := fleet.New(ctx, &cfg.Fleet, logger)
	if err != nil {
		return fmt.Errorf("open %s fleet: %w", cfg.Fleet.Provider, err)
	}
	defer p.Close()

	return fn(ctx, p)
}

func listInstances(c *cli.Context) error {
	return withProvider(c, func(ctx context.Context, p fleet.Provider) error {
		instances, err := p.ListManagedInstances(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS")
		for _, inst := range instances {
			addr := inst.Address
			if addr == "" {
				addr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\n", inst.ID, addr)
		}
		return w.Flush()
	})
}

func scale(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: fleetctl scale <n>")
	}
	n, err := strconv.Atoi(c.Args().First())
	if err != nil || n < 0 {
		return fmt.Errorf("invalid capacity %q", c.Args().First())
	}

	return withProvider(c, func(ctx context.Context, p fleet.Provider) error {
		if err := p.SetDesiredCapacity(ctx, n); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s desired capacity set to %d\n", p.Name(), n)
		return nil
	})
}

func terminate(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: fleetctl terminate <instance-id>")
	}
	id := c.Args().First()

	return withProvider(c, func(ctx context.Context, p fleet.Provider) error {
		if err := p.TerminateInstance(ctx, id); err != nil {
			if errors.Is(err, fleet.ErrNotManaged) {
				return fmt.Errorf("%s is not part of the %s group, refusing to terminate it", id, p.Name())
			}
			return err
		}
		fmt.Fprintf(c.App.Writer, "terminated %s\n", id)
		return nil
	})
}

func stats(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.String("addr")+"/api/v1/pool/stats", nil)
	if err != nil {
		return err
	}
	if key := c.String("api-key"); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("broker returned status %d: %s", resp.StatusCode, body)
	}

	var s api.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	return printStats(c.App.Writer, s)
}

func printStats(out io.Writer, s api.StatsResponse) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "idle\t%d\n", s.Idle)
	fmt.Fprintf(w, "busy\t%d\n", s.Busy)
	fmt.Fprintf(w, "pending termination\t%d\n", s.PendingTermination)
	fmt.Fprintf(w, "total\t%d\n", s.Total)
	fmt.Fprintf(w, "desired\t%d\n", s.DesiredCapacity)
	fmt.Fprintf(w, "booting\t%d\n", s.Pending())
	if s.MaxCapacity > 0 {
		fmt.Fprintf(w, "max\t%d\n", s.MaxCapacity)
	}
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s (lifetime)\t%d\n", name, s.Counters[name])
	}
	return w.Flush()
}

func listRoutes(c *cli.Context) error {
	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	routes, err := proxy.NewCaddyRouteManager(&cfg.Proxy, logger).ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("list routes from %s: %w", cfg.Proxy.CaddyAdminURL, err)
	}
	return printRoutes(c.App.Writer, routes)
}

func printRoutes(out io.Writer, routes []proxy.Route) error {
	slices.SortFunc(routes, func(a, b proxy.Route) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tUPSTREAM")
	for _, r := range routes {
		fmt.Fprintf(w, "%s\t%s\n", r.Hostname, r.UpstreamURL)
	}
	return w.Flush()
}
