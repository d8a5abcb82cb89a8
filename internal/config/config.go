// Package config handles monitor configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (REPLMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	pool:
//	  min_conns: 2
//	  max_conns: 10
//	  health_check_interval: 30s
//	  query_timeout: 10s
//
//	monitoring:
//	  monitor_interval: 60s
//	  discovery_interval: 120s
//	  cleanup_interval: 1h
//	  alert_retention: 720h
//
//	databases:
//	  - id: prod-primary
//	    name: Production Primary
//	    host: primary.internal
//	    port: 5432
//	    database: app
//	    role: primary
//	    credential_ref: arn:aws:secretsmanager:us-east-1:123:secret:prod-primary
//	    use_iam_auth: true
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// Config is the complete monitor configuration.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Pool       PoolConfig       `yaml:"pool"`
	Monitoring MonitoringConfig `yaml:"monitoring"`

	// Databases seeded at startup. Additional descriptors can be registered
	// at runtime through the store.
	Databases []DatabaseConfig `yaml:"databases,omitempty"`
}

// RedisConfig defines how to reach the configuration store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PoolConfig sizes and times the per-database connection pools.
type PoolConfig struct {
	MinConns            int           `yaml:"min_conns"`
	MaxConns            int           `yaml:"max_conns"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// MonitoringConfig times the background cycles.
type MonitoringConfig struct {
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
	DiscoveryInterval    time.Duration `yaml:"discovery_interval"`
	StreamHealthInterval time.Duration `yaml:"stream_health_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	AlertRetention       time.Duration `yaml:"alert_retention"`
}

// DatabaseConfig is one statically configured database.
type DatabaseConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Host          string            `yaml:"host"`
	Port          int               `yaml:"port"`
	Database      string            `yaml:"database"`
	Role          string            `yaml:"role"`
	CredentialRef string            `yaml:"credential_ref,omitempty"`
	UseIAMAuth    bool              `yaml:"use_iam_auth,omitempty"`
	Username      string            `yaml:"username,omitempty"`
	Password      string            `yaml:"password,omitempty"`
	CloudAccount  string            `yaml:"cloud_account,omitempty"`
	Environment   string            `yaml:"environment,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty"`
}

// Descriptor converts the config entry to the domain descriptor.
func (d *DatabaseConfig) Descriptor() types.DatabaseDescriptor {
	return types.DatabaseDescriptor{
		ID:            d.ID,
		Name:          d.Name,
		Host:          d.Host,
		Port:          d.Port,
		Database:      d.Database,
		Role:          types.DatabaseRole(d.Role),
		CredentialRef: d.CredentialRef,
		UseIAMAuth:    d.UseIAMAuth,
		CloudAccount:  d.CloudAccount,
		Environment:   d.Environment,
		Tags:          d.Tags,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Pool: PoolConfig{
			MinConns:            DefaultPoolMinConns,
			MaxConns:            DefaultPoolMaxConns,
			ConnectTimeout:      DefaultConnectTimeout,
			QueryTimeout:        DefaultQueryTimeout,
			HealthCheckInterval: DefaultHealthCheckInterval,
			HealthCheckTimeout:  DefaultHealthCheckTimeout,
		},
		Monitoring: MonitoringConfig{
			MonitorInterval:      DefaultMonitorInterval,
			DiscoveryInterval:    DefaultDiscoveryInterval,
			StreamHealthInterval: DefaultStreamHealthInterval,
			CleanupInterval:      DefaultCleanupInterval,
			AlertRetention:       DefaultAlertRetention,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Pool.MinConns < 0 || c.Pool.MaxConns <= 0 {
		return fmt.Errorf("pool sizes must be positive")
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("pool.min_conns (%d) exceeds pool.max_conns (%d)",
			c.Pool.MinConns, c.Pool.MaxConns)
	}
	if c.Pool.HealthCheckTimeout >= c.Pool.HealthCheckInterval {
		return fmt.Errorf("pool.health_check_timeout must be shorter than the interval")
	}
	for i := range c.Databases {
		desc := c.Databases[i].Descriptor()
		if err := desc.Validate(); err != nil {
			return fmt.Errorf("databases[%d]: %w", i, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the REPLMON_ prefix:
// - REPLMON_REDIS_URL
// - REPLMON_POOL_MIN_CONNS
// - REPLMON_POOL_MAX_CONNS
// - REPLMON_HEALTH_CHECK_INTERVAL (Go duration, e.g. "30s")
// - REPLMON_MONITOR_INTERVAL
// - REPLMON_DISCOVERY_INTERVAL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("REPLMON_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REPLMON_POOL_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MinConns = n
		}
	}
	if v := os.Getenv("REPLMON_POOL_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConns = n
		}
	}
	if v := os.Getenv("REPLMON_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("REPLMON_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitoring.MonitorInterval = d
		}
	}
	if v := os.Getenv("REPLMON_DISCOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitoring.DiscoveryInterval = d
		}
	}
}
