// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docstream/workgate/pkg/balancer"
)

// Config is the full gateway configuration. Zero values take defaults.
type Config struct {
	Server struct {
		// Listen is the gateway's gRPC listen address.
		Listen string `yaml:"listen"`
		// MetricsListen serves /metrics; empty disables the listener.
		MetricsListen string `yaml:"metrics_listen"`
	} `yaml:"server"`

	Store struct {
		// Driver is "sqlite" or "memory".
		Driver string `yaml:"driver"`
		// DSN is the sqlite database path.
		DSN string `yaml:"dsn"`
		// JanitorSchedule is a cron expression for retention purges.
		JanitorSchedule string `yaml:"janitor_schedule"`
	} `yaml:"store"`

	Discovery struct {
		// Endpoints are the etcd cluster members. Empty disables discovery,
		// leaving the gateway with whatever static nodes it was given.
		Endpoints []string `yaml:"endpoints"`
		// Service is the watched service name.
		Service string `yaml:"service"`
		// Prefix is the registry key prefix announcements live under.
		Prefix string `yaml:"prefix"`
	} `yaml:"discovery"`

	Balancer struct {
		// Policy is "round_robin" or "least_connections".
		Policy string `yaml:"policy"`
	} `yaml:"balancer"`

	Scheduler struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		BatchLimit    int           `yaml:"batch_limit"`
		BackoffCap    time.Duration `yaml:"backoff_cap"`
	} `yaml:"scheduler"`

	Manager struct {
		DefaultKeepFor time.Duration `yaml:"default_keep_for"`
		MaxPayload     int           `yaml:"max_payload"`
		DedupByContent bool          `yaml:"dedup_by_content"`
	} `yaml:"manager"`

	Reconciler struct {
		ReadyTries    int           `yaml:"ready_tries"`
		ReadyInterval time.Duration `yaml:"ready_interval"`
		MaxErrors     int           `yaml:"max_errors"`
	} `yaml:"reconciler"`

	Logging struct {
		// Level is debug, info, warn, or error.
		Level string `yaml:"level"`
		// Format is "text" or "json".
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":52000"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "workgate.db"
	}
	if c.Store.JanitorSchedule == "" {
		c.Store.JanitorSchedule = "*/5 * * * *"
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "gateway/workers"
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "gateway/service"
	}
	if c.Balancer.Policy == "" {
		c.Balancer.Policy = string(balancer.PolicyRoundRobin)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects values no component would accept.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch balancer.Policy(c.Balancer.Policy) {
	case balancer.PolicyRoundRobin, balancer.PolicyLeastConnections:
	default:
		return fmt.Errorf("config: unknown balancer policy %q", c.Balancer.Policy)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return level, nil
}

// Logger builds the process logger the configuration asks for.
func (c *Config) Logger() *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
