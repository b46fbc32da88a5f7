package fleet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// groupLabelKey marks containers that belong to a broker-managed group.
const groupLabelKey = "io.vscode-broker.group"

// DockerFleet runs session servers as labelled local Docker containers.
// It is meant for development, where an Auto Scaling group is unavailable.
type DockerFleet struct {
	client      *client.Client
	cfg         *config.FleetConfig
	logger      *logging.Logger
	sessionPort nat.Port
}

// NewDockerFleet connects to the Docker daemon described by the environment.
func NewDockerFleet(cfg *config.FleetConfig, logger *logging.Logger) (*DockerFleet, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerFleet{
		client:      cli,
		cfg:         cfg,
		logger:      logger.With("component", "fleet", "provider", "docker"),
		sessionPort: nat.Port(fmt.Sprintf("%d/tcp", cfg.SessionPort)),
	}, nil
}

func (f *DockerFleet) Name() string { return config.ProviderDocker }

// Close closes the Docker client connection.
func (f *DockerFleet) Close() error {
	return f.client.Close()
}

// ListManagedInstances returns running containers carrying the group label.
func (f *DockerFleet) ListManagedInstances(ctx context.Context) ([]Observed, error) {
	summaries, err := f.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", groupLabelKey+"="+f.cfg.GroupLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	observed := make([]Observed, 0, len(summaries))
	for _, s := range summaries {
		if len(s.Names) == 0 {
			continue
		}
		obs := Observed{ID: strings.TrimPrefix(s.Names[0], "/")}
		for _, p := range s.Ports {
			if int(p.PrivatePort) == f.cfg.SessionPort && p.PublicPort != 0 {
				obs.Address = net.JoinHostPort(hostIP(p.IP), strconv.Itoa(int(p.PublicPort)))
				break
			}
		}
		observed = append(observed, obs)
	}
	return observed, nil
}

// SetDesiredCapacity starts containers until n are running. Shrinking is
// left to TerminateInstance, which picks the exact container to remove.
func (f *DockerFleet) SetDesiredCapacity(ctx context.Context, n int) error {
	current, err := f.ListManagedInstances(ctx)
	if err != nil {
		return err
	}

	for i := len(current); i < n; i++ {
		name, err := f.start(ctx)
		if err != nil {
			return err
		}
		f.logger.Info("Container started", "instanceID", name, "desired", n)
	}
	return nil
}

func (f *DockerFleet) start(ctx context.Context) (string, error) {
	name := "vscode-" + uuid.New().String()[:8]

	containerCfg := &container.Config{
		Image:        f.cfg.Container.Image,
		Hostname:     name,
		Cmd:          []string{"--bind-addr", fmt.Sprintf("0.0.0.0:%d", f.cfg.SessionPort), "--auth", "none"},
		ExposedPorts: nat.PortSet{f.sessionPort: struct{}{}},
		Labels:       map[string]string{groupLabelKey: f.cfg.GroupLabel},
	}

	// Empty HostPort lets the daemon pick a free port.
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			f.sessionPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	var networkCfg *network.NetworkingConfig
	if f.cfg.Container.Network != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				f.cfg.Container.Network: {},
			},
		}
	}

	resp, err := f.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := f.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = f.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return name, nil
}

// TerminateInstance stops and removes the named container. A container that
// no longer exists is treated as already terminated; one outside the group
// is refused with ErrNotManaged.
func (f *DockerFleet) TerminateInstance(ctx context.Context, id string) error {
	info, err := f.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.Config == nil || info.Config.Labels[groupLabelKey] != f.cfg.GroupLabel {
		return fmt.Errorf("%w: %s", ErrNotManaged, id)
	}

	timeout := stopTimeout(ctx)
	if err := f.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to stop container: %w", err)
		}
	}

	if err := f.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	f.logger.Info("Container terminated", "instanceID", id)
	return nil
}

// hostIP maps wildcard bindings to loopback so the address is dialable.
func hostIP(ip string) string {
	if ip == "" || ip == "0.0.0.0" || ip == "::" {
		return "127.0.0.1"
	}
	return ip
}

var _ Provider = (*DockerFleet)(nil)
