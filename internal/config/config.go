package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fleet providers understood by the broker.
const (
	ProviderAWS    = "aws"
	ProviderDocker = "docker"
	ProviderPodman = "podman"
)

// Config holds all application configuration.
type Config struct {
	Server ServerConfig
	Pool   PoolConfig
	Fleet  FleetConfig
	Proxy  ProxyConfig
	Store  StoreConfig
	Queue  QueueConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	APIKey          string // Guards operator routes; empty disables the check
}

// PoolConfig tunes the reconciliation and allocation engine.
type PoolConfig struct {
	SyncInterval        time.Duration
	GracePeriod         time.Duration
	LowWaterMark        int
	MaxCapacity         int // 0 means unlimited
	ScaleCoalesceWindow time.Duration
	RequireHealthy      bool
}

type FleetConfig struct {
	Provider      string // "aws", "docker" or "podman"
	APITimeout    time.Duration
	SessionPort   int
	SessionScheme string
	GroupLabel    string
	AWS           AWSConfig
	Container     ContainerConfig
}

type AWSConfig struct {
	Region       string
	ASGName      string
	AccessKey    string
	AccessSecret string
}

// ContainerConfig is shared by the docker and podman providers.
type ContainerConfig struct {
	Image            string
	Network          string
	PodmanSocketPath string
}

type ProxyConfig struct {
	Enabled       bool
	CaddyAdminURL string
	BaseDomain    string
}

type StoreConfig struct {
	Enabled       bool
	ValkeyAddr    string
	Password      string
	DB            int
	AssignmentTTL time.Duration
}

type QueueConfig struct {
	Enabled     bool
	NATSURL     string
	StreamName  string
	WorkerCount int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 9092),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			APIKey:          getEnv("SERVER_API_KEY", ""),
		},
		Pool: PoolConfig{
			SyncInterval:        getEnvDuration("POOL_SYNC_INTERVAL", 10*time.Second),
			GracePeriod:         getEnvDuration("POOL_GRACE_PERIOD", 10*time.Second),
			LowWaterMark:        getEnvInt("POOL_LOW_WATER_MARK", 1),
			MaxCapacity:         getEnvInt("POOL_MAX_CAPACITY", 0),
			ScaleCoalesceWindow: getEnvDuration("POOL_SCALE_COALESCE_WINDOW", 2*time.Minute),
			RequireHealthy:      getEnvBool("POOL_REQUIRE_HEALTHY", false),
		},
		Fleet: FleetConfig{
			Provider:      strings.ToLower(getEnv("FLEET_PROVIDER", ProviderAWS)),
			APITimeout:    getEnvDuration("FLEET_API_TIMEOUT", 10*time.Second),
			SessionPort:   getEnvInt("FLEET_SESSION_PORT", 8080),
			SessionScheme: getEnv("FLEET_SESSION_SCHEME", "http"),
			GroupLabel:    getEnv("FLEET_GROUP_LABEL", "vscode-broker"),
			AWS: AWSConfig{
				Region:       getEnv("AWS_REGION", "ap-south-1"),
				ASGName:      getEnv("AWS_ASG_NAME", "vs-code-asg"),
				AccessKey:    getEnv("AWS_ACCESS_KEY", ""),
				AccessSecret: getEnv("AWS_ACCESS_SECRET", ""),
			},
			Container: ContainerConfig{
				Image:            getEnv("DOCKER_IMAGE", "codercom/code-server:latest"),
				Network:          getEnv("DOCKER_NETWORK", ""),
				PodmanSocketPath: getEnv("PODMAN_SOCKET_PATH", "unix:///run/podman/podman.sock"),
			},
		},
		Proxy: ProxyConfig{
			Enabled:       getEnvBool("PROXY_ENABLED", false),
			CaddyAdminURL: getEnv("CADDY_ADMIN_URL", "http://localhost:2019"),
			BaseDomain:    getEnv("BASE_DOMAIN", "localhost"),
		},
		Store: StoreConfig{
			Enabled:       getEnvBool("STORE_ENABLED", false),
			ValkeyAddr:    getEnv("VALKEY_ADDR", "localhost:6379"),
			Password:      getEnv("VALKEY_PASSWORD", ""),
			DB:            getEnvInt("VALKEY_DB", 0),
			AssignmentTTL: getEnvDuration("STORE_ASSIGNMENT_TTL", 24*time.Hour),
		},
		Queue: QueueConfig{
			Enabled:     getEnvBool("QUEUE_ENABLED", false),
			NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName:  getEnv("NATS_STREAM_NAME", "SESSIONS"),
			WorkerCount: getEnvInt("NATS_WORKER_COUNT", 2),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate reports every setting the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port))
	}
	if c.Pool.SyncInterval <= 0 {
		errs = append(errs, errors.New("POOL_SYNC_INTERVAL must be positive"))
	}
	if c.Pool.GracePeriod <= 0 {
		errs = append(errs, errors.New("POOL_GRACE_PERIOD must be positive"))
	}
	if c.Pool.LowWaterMark < 0 {
		errs = append(errs, errors.New("POOL_LOW_WATER_MARK must not be negative"))
	}
	if c.Pool.MaxCapacity < 0 {
		errs = append(errs, errors.New("POOL_MAX_CAPACITY must not be negative"))
	}
	if c.Fleet.APITimeout <= 0 {
		errs = append(errs, errors.New("FLEET_API_TIMEOUT must be positive"))
	}

	switch c.Fleet.Provider {
	case ProviderAWS:
		if c.Fleet.AWS.ASGName == "" {
			errs = append(errs, errors.New("AWS_ASG_NAME is required for the aws provider"))
		}
	case ProviderDocker, ProviderPodman:
		if c.Fleet.GroupLabel == "" {
			errs = append(errs, errors.New("FLEET_GROUP_LABEL is required for container providers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FLEET_PROVIDER %q", c.Fleet.Provider))
	}

	if c.Queue.Enabled && c.Queue.WorkerCount <= 0 {
		errs = append(errs, errors.New("NATS_WORKER_COUNT must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
