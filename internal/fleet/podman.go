package fleet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/google/uuid"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// PodmanFleet runs session servers as labelled Podman containers.
type PodmanFleet struct {
	conn   context.Context // Podman connection context
	cfg    *config.FleetConfig
	logger *logging.Logger
}

// NewPodmanFleet connects to the Podman API socket.
func NewPodmanFleet(ctx context.Context, cfg *config.FleetConfig, logger *logging.Logger) (*PodmanFleet, error) {
	conn, err := bindings.NewConnection(ctx, cfg.Container.PodmanSocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Podman socket at %s: %w", cfg.Container.PodmanSocketPath, err)
	}

	return &PodmanFleet{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "fleet", "provider", "podman"),
	}, nil
}

func (f *PodmanFleet) Name() string { return config.ProviderPodman }

// Close is a no-op for Podman (connection is context-based).
func (f *PodmanFleet) Close() error { return nil }

// ListManagedInstances returns running containers carrying the group label.
func (f *PodmanFleet) ListManagedInstances(ctx context.Context) ([]Observed, error) {
	opts := new(containers.ListOptions).WithFilters(map[string][]string{
		"label":  {groupLabelKey + "=" + f.cfg.GroupLabel},
		"status": {"running"},
	})
	list, err := containers.List(f.conn, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	observed := make([]Observed, 0, len(list))
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		obs := Observed{ID: c.Names[0]}
		for _, p := range c.Ports {
			if int(p.ContainerPort) == f.cfg.SessionPort && p.HostPort != 0 {
				obs.Address = net.JoinHostPort(hostIP(p.HostIP), strconv.Itoa(int(p.HostPort)))
				break
			}
		}
		observed = append(observed, obs)
	}
	return observed, nil
}

// SetDesiredCapacity starts containers until n are running.
func (f *PodmanFleet) SetDesiredCapacity(ctx context.Context, n int) error {
	current, err := f.ListManagedInstances(ctx)
	if err != nil {
		return err
	}

	for i := len(current); i < n; i++ {
		name, err := f.start()
		if err != nil {
			return err
		}
		f.logger.Info("Container started", "instanceID", name, "desired", n)
	}
	return nil
}

func (f *PodmanFleet) start() (string, error) {
	name := "vscode-" + uuid.New().String()[:8]
	publish := true

	s := specgen.NewSpecGenerator(f.cfg.Container.Image, false)
	s.Name = name
	s.Hostname = name
	s.Command = []string{"--bind-addr", fmt.Sprintf("0.0.0.0:%d", f.cfg.SessionPort), "--auth", "none"}
	s.Labels = map[string]string{groupLabelKey: f.cfg.GroupLabel}
	s.Expose = map[uint16]string{uint16(f.cfg.SessionPort): "tcp"}
	s.PublishExposedPorts = &publish

	createResponse, err := containers.CreateWithSpec(f.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := containers.Start(f.conn, createResponse.ID, nil); err != nil {
		_, _ = containers.Remove(f.conn, createResponse.ID, new(containers.RemoveOptions).WithForce(true))
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return name, nil
}

// TerminateInstance stops and removes the named container. Containers
// outside the group are refused with ErrNotManaged.
func (f *PodmanFleet) TerminateInstance(ctx context.Context, id string) error {
	info, err := containers.Inspect(f.conn, id, nil)
	if err != nil {
		if strings.Contains(err.Error(), "no such container") {
			return nil
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.Config == nil || info.Config.Labels[groupLabelKey] != f.cfg.GroupLabel {
		return fmt.Errorf("%w: %s", ErrNotManaged, id)
	}

	stopOpts := new(containers.StopOptions).WithTimeout(uint(stopTimeout(ctx))).WithIgnore(true)
	if err := containers.Stop(f.conn, id, stopOpts); err != nil {
		if !strings.Contains(err.Error(), "no such container") {
			f.logger.Warn("Failed to stop container", "instanceID", id, "error", err)
		}
	}

	removeOpts := new(containers.RemoveOptions).WithForce(true).WithIgnore(true)
	if _, err := containers.Remove(f.conn, id, removeOpts); err != nil {
		if !strings.Contains(err.Error(), "no such container") {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	f.logger.Info("Container terminated", "instanceID", id)
	return nil
}

var _ Provider = (*PodmanFleet)(nil)
