package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator service
type Config struct {
	// Server configuration
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Public base URL, used when handing out webhook endpoints
	PublicBaseURL string `mapstructure:"public_base_url"`

	// Database configuration
	DatabasePath string `mapstructure:"database_path"`

	// Redis cache, optional; empty falls back to in-memory
	RedisURL string `mapstructure:"redis_url"`

	// Queue configuration
	MaxConcurrentBuilds int `mapstructure:"max_concurrent_builds"`
	QueuePollSeconds    int `mapstructure:"queue_poll_seconds"`

	// Pipeline configuration
	StageRunner         string        `mapstructure:"stage_runner"` // simulated or container
	BuildTimeoutSeconds int           `mapstructure:"build_timeout_seconds"`
	Stages              []StageConfig `mapstructure:"stages"`

	// Container runner configuration. Stages run through the Podman
	// socket when one is configured, otherwise through the CLI binary.
	ContainerSocketPath string `mapstructure:"container_socket_path"`
	ContainerBinary     string `mapstructure:"container_binary"`
	WorkspacePath       string `mapstructure:"workspace_path"`

	// Webhook configuration
	WebhookWorkers          int `mapstructure:"webhook_workers"`
	WebhookQueueSize        int `mapstructure:"webhook_queue_size"`
	WebhookMaxRetries       int `mapstructure:"webhook_max_retries"`
	WebhookRetryBaseSeconds int `mapstructure:"webhook_retry_base_seconds"`

	// Live update configuration
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`

	// Housekeeping
	ArchiveAfterDays       int `mapstructure:"archive_after_days"`
	StatsRetentionDays     int `mapstructure:"stats_retention_days"`
	JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// StageConfig describes one pipeline stage
type StageConfig struct {
	Name           string   `mapstructure:"name"`
	Image          string   `mapstructure:"image"`
	Command        []string `mapstructure:"command"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	SimDurationMS  int      `mapstructure:"sim_duration_ms"`
	SimSuccessRate float64  `mapstructure:"sim_success_rate"`
}

// LoadConfig loads configuration from environment and config file
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("DEVDEPLOY")

	// Try to read config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/devdeploy/")
	v.AddConfigPath("$HOME/.devdeploy")
	v.AddConfigPath(".")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths
	if err := config.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("public_base_url", "http://localhost:8080")

	// Database defaults
	v.SetDefault("database_path", "./data/orchestrator.db")

	// Redis defaults
	v.SetDefault("redis_url", "")

	// Queue defaults
	v.SetDefault("max_concurrent_builds", 3)
	v.SetDefault("queue_poll_seconds", 5)

	// Pipeline defaults
	v.SetDefault("stage_runner", "simulated")
	v.SetDefault("build_timeout_seconds", 600) // 10 minutes
	v.SetDefault("stages", defaultStages())

	// Container defaults
	v.SetDefault("container_socket_path", "/run/podman/podman.sock")
	v.SetDefault("container_binary", "podman")
	v.SetDefault("workspace_path", "./data/workspaces")

	// Webhook defaults
	v.SetDefault("webhook_workers", 4)
	v.SetDefault("webhook_queue_size", 64)
	v.SetDefault("webhook_max_retries", 3)
	v.SetDefault("webhook_retry_base_seconds", 300) // 5 minutes

	// Live update defaults
	v.SetDefault("subscriber_buffer_size", 16)

	// Housekeeping defaults
	v.SetDefault("archive_after_days", 30)
	v.SetDefault("stats_retention_days", 90)
	v.SetDefault("janitor_interval_seconds", 3600)

	// Logging
	v.SetDefault("log_level", "info")
}

func defaultStages() []map[string]interface{} {
	return []map[string]interface{}{
		{"name": "clone", "sim_duration_ms": 2000, "sim_success_rate": 0.99},
		{"name": "install", "sim_duration_ms": 5000, "sim_success_rate": 0.95},
		{"name": "test", "sim_duration_ms": 10000, "sim_success_rate": 0.90},
		{"name": "build", "sim_duration_ms": 8000, "sim_success_rate": 0.92},
		{"name": "deploy", "sim_duration_ms": 5000, "sim_success_rate": 0.98},
	}
}

func (c *Config) expandPaths() error {
	var err error

	c.DatabasePath, err = expandPath(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}

	c.WorkspacePath, err = expandPath(c.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to expand workspace_path: %w", err)
	}

	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand home directory
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	// Get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return absPath, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	if c.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("max_concurrent_builds must be at least 1")
	}

	if c.BuildTimeoutSeconds < 1 {
		return fmt.Errorf("build_timeout_seconds must be at least 1")
	}

	if c.StageRunner != "simulated" && c.StageRunner != "container" {
		return fmt.Errorf("stage_runner must be 'simulated' or 'container'")
	}

	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one pipeline stage is required")
	}

	for i, stage := range c.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if c.StageRunner == "container" && stage.Image == "" {
			return fmt.Errorf("stage %q needs an image for the container runner", stage.Name)
		}
	}

	if c.WebhookWorkers < 1 {
		return fmt.Errorf("webhook_workers must be at least 1")
	}

	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("webhook_max_retries must not be negative")
	}

	return nil
}
