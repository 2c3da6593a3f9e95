package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	UserHeader      string        `yaml:"user_header" env:"SERVER_USER_HEADER"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration.
// Job events are not published when Enabled is false.
type RabbitMQConfig struct {
	Enabled       bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host          string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port          int              `yaml:"port" env:"RABBITMQ_PORT"`
	User          string           `yaml:"user" env:"RABBITMQ_USER"`
	Password      string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost         string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange      ExchangeConfig   `yaml:"exchange"`
	RoutingPrefix string           `yaml:"routing_prefix"`
	Connection    ConnectionConfig `yaml:"connection"`
	Publish       PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// StorageConfig describes where volume images and mounts live on the host
type StorageConfig struct {
	DataPath        string        `yaml:"data_path" env:"DATA_PATH"`
	RepoPath        string        `yaml:"repo_path" env:"REPO_PATH"`
	ScratchPath     string        `yaml:"scratch_path" env:"SCRATCH_PATH"`
	MinAllocation   int64         `yaml:"min_allocation"`
	ViewGracePeriod time.Duration `yaml:"view_grace_period"`
	Sudo            bool          `yaml:"sudo" env:"STORAGE_SUDO"`
	ProcMounts      bool          `yaml:"proc_mounts"`
}

// EngineConfig holds backup engine settings
type EngineConfig struct {
	Binary string `yaml:"binary" env:"RESTIC_BINARY"`
}

// JobsConfig holds job orchestration settings
type JobsConfig struct {
	RelayBuffer int `yaml:"relay_buffer"`
}

// MetricsConfig controls the /metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file, then applies environment
// overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = "X-Neptis-User"
	}
	if c.Engine.Binary == "" {
		c.Engine.Binary = "restic"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.RabbitMQ.RoutingPrefix == "" {
		c.RabbitMQ.RoutingPrefix = "neptis.jobs"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage data_path is required")
	}

	if c.Storage.RepoPath == "" {
		return fmt.Errorf("storage repo_path is required")
	}

	if c.Storage.MinAllocation < 0 {
		return fmt.Errorf("storage min_allocation must not be negative")
	}

	if c.Jobs.RelayBuffer < 0 {
		return fmt.Errorf("jobs relay_buffer must not be negative")
	}

	return nil
}
