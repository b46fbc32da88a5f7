package fleet

import (
	"context"
	"fmt"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// New creates the Provider selected by cfg.Provider.
func New(ctx context.Context, cfg *config.FleetConfig, logger *logging.Logger) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderAWS:
		return NewAWSFleet(ctx, cfg, logger)
	case config.ProviderDocker:
		return NewDockerFleet(cfg, logger)
	case config.ProviderPodman:
		return NewPodmanFleet(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown fleet provider %q", cfg.Provider)
	}
}
