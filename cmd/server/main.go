package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/instant-demo/vscode-broker/internal/api"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/fleet"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/internal/pool"
	"github.com/instant-demo/vscode-broker/internal/proxy"
	"github.com/instant-demo/vscode-broker/internal/queue"
	"github.com/instant-demo/vscode-broker/internal/store"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if present (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	metricsCollector := metrics.NewCollector()

	logger.Info("Starting VS Code broker", "provider", cfg.Fleet.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := fleet.New(ctx, &cfg.Fleet, logger)
	if err != nil {
		logger.Fatal("Failed to create fleet provider", "error", err)
	}
	defer provider.Close()

	deps := pool.Dependencies{
		Fleet:   fleet.Instrument(provider, metricsCollector),
		Clock:   clockwork.NewRealClock(),
		Logger:  logger,
		Metrics: metricsCollector,
	}

	if cfg.Pool.RequireHealthy {
		hc := fleet.DefaultHealthCheckConfig()
		hc.Scheme = cfg.Fleet.SessionScheme
		deps.Health = fleet.NewHealthChecker(hc, logger, metricsCollector)
	}

	if cfg.Proxy.Enabled {
		routes := proxy.NewCaddyRouteManager(&cfg.Proxy, logger)
		if err := routes.Health(ctx); err != nil {
			// Routes are added lazily; sessions fall back to direct URLs meanwhile.
			logger.Warn("Caddy admin API not reachable", "url", cfg.Proxy.CaddyAdminURL, "error", err)
		}
		deps.Proxy = routes
	}

	var repo store.Repository
	if cfg.Store.Enabled {
		valkeyRepo, err := store.NewValkeyRepository(&cfg.Store)
		if err != nil {
			logger.Fatal("Failed to connect to Valkey", "error", err)
		}
		defer valkeyRepo.Close()
		repo = valkeyRepo
		deps.Store = valkeyRepo
		logger.Info("Assignment ledger enabled", "addr", cfg.Store.ValkeyAddr)
	}

	var (
		publisher *queue.NATSPublisher
		notifier  *queue.EventNotifier
	)
	if cfg.Queue.Enabled {
		publisher, err = queue.NewNATSPublisher(&cfg.Queue)
		if err != nil {
			logger.Fatal("Failed to create NATS publisher", "error", err)
		}
		defer publisher.Close()

		notifier = queue.NewEventNotifier(publisher, logger, metricsCollector)
		deps.Notifier = notifier
		logger.Info("Connected to NATS JetStream", "stream", cfg.Queue.StreamName)
	}

	broker := pool.NewBroker(pool.ManagerConfigFrom(cfg), deps)

	// The first pass runs before serving so the registry reflects the fleet.
	// The loop started below does not repeat it.
	if err := broker.SyncOnce(ctx); err != nil {
		logger.Warn("Initial synchronization failed, serving from an empty registry", "error", err)
	}
	if err := broker.StartSync(ctx); err != nil {
		logger.Fatal("Failed to start synchronizer", "error", err)
	}

	var consumer *queue.NATSConsumer
	if cfg.Queue.Enabled {
		handlers := queue.NewHandlers(broker, logger)
		consumer, err = queue.NewNATSConsumer(&cfg.Queue, handlers.TerminationHandler, logger)
		if err != nil {
			logger.Fatal("Failed to create NATS consumer", "error", err)
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Fatal("Failed to start NATS consumer", "error", err)
		}
		logger.Info("Started termination request consumer", "workers", cfg.Queue.WorkerCount)
	}

	handler := api.NewHandler(cfg, broker, repo, metricsCollector, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if consumer != nil {
			if err := consumer.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("consumer stop: %w", err))
			}
		}
		if err := broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
		if notifier != nil {
			notifier.Close()
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown with errors", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
