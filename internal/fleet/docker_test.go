package fleet

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

func testContainerConfig(provider string) *config.FleetConfig {
	image := os.Getenv("FLEET_TEST_IMAGE")
	if image == "" {
		image = "codercom/code-server:latest"
	}
	socket := os.Getenv("PODMAN_SOCKET_PATH")
	if socket == "" {
		socket = "unix:///run/podman/podman.sock"
	}
	return &config.FleetConfig{
		Provider:    provider,
		SessionPort: 8080,
		GroupLabel:  "vscode-broker-test-" + time.Now().Format("150405"),
		Container: config.ContainerConfig{
			Image:            image,
			PodmanSocketPath: socket,
		},
	}
}

// skipIfNoDocker skips the test if Docker is not available.
func skipIfNoDocker(t *testing.T) *DockerFleet {
	t.Helper()
	if os.Getenv("DOCKER_TEST") == "" {
		t.Skip("Skipping Docker integration test. Set DOCKER_TEST=1 to run.")
	}

	f, err := NewDockerFleet(testContainerConfig(config.ProviderDocker), logging.Nop())
	if err != nil {
		t.Skipf("Failed to connect to Docker: %v", err)
	}
	return f
}

func TestDockerFleet_ScaleListTerminate(t *testing.T) {
	f := skipIfNoDocker(t)
	defer f.Close()

	exerciseContainerFleet(t, f)
}

func TestDockerFleet_TerminateRefusesForeignContainer(t *testing.T) {
	f := skipIfNoDocker(t)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := f.SetDesiredCapacity(ctx, 1); err != nil {
		t.Fatalf("SetDesiredCapacity() error = %v", err)
	}
	observed, err := f.ListManagedInstances(ctx)
	if err != nil || len(observed) != 1 {
		t.Fatalf("ListManagedInstances() = %v, %v; want one instance", observed, err)
	}
	defer func() { _ = f.TerminateInstance(ctx, observed[0].ID) }()

	otherCfg := *f.cfg
	otherCfg.GroupLabel += "-other"
	other := &DockerFleet{client: f.client, cfg: &otherCfg, logger: f.logger, sessionPort: f.sessionPort}

	err = other.TerminateInstance(ctx, observed[0].ID)
	if !errors.Is(err, ErrNotManaged) {
		t.Fatalf("TerminateInstance() from another group error = %v, want ErrNotManaged", err)
	}
	if still, _ := f.ListManagedInstances(ctx); len(still) != 1 {
		t.Errorf("container removed by foreign group: listed %v", still)
	}
}

// exerciseContainerFleet scales an empty group to one container, checks it is
// listed with an address, then terminates it.
func exerciseContainerFleet(t *testing.T, f Fleet) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := f.SetDesiredCapacity(ctx, 1); err != nil {
		t.Fatalf("SetDesiredCapacity() error = %v", err)
	}

	observed, err := f.ListManagedInstances(ctx)
	if err != nil {
		t.Fatalf("ListManagedInstances() error = %v", err)
	}
	if len(observed) != 1 {
		t.Fatalf("ListManagedInstances() returned %d instances, want 1", len(observed))
	}
	defer func() { _ = f.TerminateInstance(ctx, observed[0].ID) }()

	if observed[0].Address == "" {
		t.Error("observed instance has no address")
	}

	// Scaling to the current size starts nothing new.
	if err := f.SetDesiredCapacity(ctx, 1); err != nil {
		t.Fatalf("SetDesiredCapacity() error = %v", err)
	}

	if err := f.TerminateInstance(ctx, observed[0].ID); err != nil {
		t.Fatalf("TerminateInstance() error = %v", err)
	}
	remaining, err := f.ListManagedInstances(ctx)
	if err != nil {
		t.Fatalf("ListManagedInstances() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("ListManagedInstances() after terminate = %v, want none", remaining)
	}

	// Terminating a missing container is not an error.
	if err := f.TerminateInstance(ctx, observed[0].ID); err != nil {
		t.Errorf("TerminateInstance() on removed container error = %v", err)
	}
}

func TestHostIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "127.0.0.1"},
		{"0.0.0.0", "127.0.0.1"},
		{"::", "127.0.0.1"},
		{"10.1.2.3", "10.1.2.3"},
	}
	for _, tt := range tests {
		if got := hostIP(tt.in); got != tt.want {
			t.Errorf("hostIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
