// Package config provides configuration structures and loading logic for the
// gateway and the task system.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ACME      ACMEConfig      `yaml:"acme"`
	Registry  RegistryConfig  `yaml:"registry"`
	Broker    BrokerConfig    `yaml:"broker"`
	Results   ResultsConfig   `yaml:"results"`
	Workers   WorkersConfig   `yaml:"workers"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listener configuration for the gateway front-end.
type ServerConfig struct {
	HTTPAddress  string        `yaml:"http_address"`
	TLSAddress   string        `yaml:"tls_address"`
	AdminAddress string        `yaml:"admin_address"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ACMEConfig holds the certificate lifecycle configuration.
type ACMEConfig struct {
	Email        string        `yaml:"email"`
	DirectoryURL string        `yaml:"directory_url"`
	CacheDir     string        `yaml:"cache_dir"`
	RenewBefore  time.Duration `yaml:"renew_before"`
	IssueTimeout time.Duration `yaml:"issue_timeout"`
	SweepEvery   time.Duration `yaml:"sweep_interval"`
	SelfSigned   bool          `yaml:"self_signed"`
}

// RegistryConfig holds the service metadata provider configuration.
type RegistryConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// BrokerConfig holds the queue broker configuration.
type BrokerConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "redis"
	LeaseDuration time.Duration `yaml:"lease_duration"`
	SweepEvery    time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ResultsConfig holds the result store retention configuration.
type ResultsConfig struct {
	Retention  time.Duration `yaml:"retention"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// WorkersConfig holds the worker pool configuration.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	Queues       []string      `yaml:"queues"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddress:  ":8080",
			TLSAddress:   ":8443",
			AdminAddress: ":19090",
			IdleTimeout:  120 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		ACME: ACMEConfig{
			RenewBefore:  30 * 24 * time.Hour,
			IssueTimeout: 30 * time.Second,
			SweepEvery:   time.Hour,
		},
		Broker: BrokerConfig{
			Backend:       "memory",
			LeaseDuration: 30 * time.Second,
			SweepEvery:    time.Second,
		},
		Results: ResultsConfig{
			Retention:  24 * time.Hour,
			GCInterval: time.Hour,
		},
		Workers: WorkersConfig{
			Count:        4,
			Queues:       []string{"default"},
			PollInterval: 250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("EDGED_HTTP_ADDR"); val != "" {
		cfg.Server.HTTPAddress = val
	}
	if val := os.Getenv("EDGED_TLS_ADDR"); val != "" {
		cfg.Server.TLSAddress = val
	}
	if val := os.Getenv("EDGED_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("EDGED_ACME_EMAIL"); val != "" {
		cfg.ACME.Email = val
	}
	if val := os.Getenv("EDGED_ACME_DIRECTORY"); val != "" {
		cfg.ACME.DirectoryURL = val
	}
	if val := os.Getenv("EDGED_ACME_CACHE_DIR"); val != "" {
		cfg.ACME.CacheDir = val
	}
	if val := os.Getenv("EDGED_ACME_SELF_SIGNED"); val == "true" {
		cfg.ACME.SelfSigned = true
	}
	if val := os.Getenv("EDGED_RENEW_BEFORE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.ACME.RenewBefore = d
		}
	}

	if val := os.Getenv("EDGED_SERVICES_FILE"); val != "" {
		cfg.Registry.File = val
	}
	if val := os.Getenv("EDGED_SERVICES_WATCH"); val == "true" {
		cfg.Registry.Watch = true
	}

	if val := os.Getenv("EDGED_BROKER_BACKEND"); val != "" {
		cfg.Broker.Backend = val
	}
	if val := os.Getenv("EDGED_LEASE_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Broker.LeaseDuration = d
		}
	}
	if val := os.Getenv("EDGED_REDIS_ADDR"); val != "" {
		cfg.Broker.Redis.Addr = val
	}
	if val := os.Getenv("EDGED_REDIS_USERNAME"); val != "" {
		cfg.Broker.Redis.Username = val
	}
	if val := os.Getenv("EDGED_REDIS_PASSWORD"); val != "" {
		cfg.Broker.Redis.Password = val
	}
	if val := os.Getenv("EDGED_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Broker.Redis.DB = db
		}
	}

	if val := os.Getenv("EDGED_WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Workers.Count = n
		}
	}
	if val := os.Getenv("EDGED_WORKER_QUEUES"); val != "" {
		queues := strings.Split(val, ",")
		cfg.Workers.Queues = cfg.Workers.Queues[:0]
		for _, q := range queues {
			if q = strings.TrimSpace(q); q != "" {
				cfg.Workers.Queues = append(cfg.Workers.Queues, q)
			}
		}
	}

	if val := os.Getenv("EDGED_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("EDGED_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("EDGED_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.ACME.Validate(); err != nil {
		return fmt.Errorf("acme configuration: %w", err)
	}
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker configuration: %w", err)
	}
	if err := c.Results.Validate(); err != nil {
		return fmt.Errorf("results configuration: %w", err)
	}
	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		c.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(c.TLSAddress) == "" {
		c.TLSAddress = ":8443"
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	addresses := map[string]string{
		"http_address":  c.HTTPAddress,
		"tls_address":   c.TLSAddress,
		"admin_address": c.AdminAddress,
	}
	seen := make(map[string]string, len(addresses))
	for name, addr := range addresses {
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("%s and %s both bind %q", name, other, addr)
		}
		seen[addr] = name
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be >= 0, got %v", c.IdleTimeout)
	}
	return nil
}

// Validate performs validation of the certificate lifecycle configuration.
func (c *ACMEConfig) Validate() error {
	if c.RenewBefore <= 0 {
		return fmt.Errorf("renew_before must be > 0, got %v", c.RenewBefore)
	}
	if c.IssueTimeout <= 0 {
		return fmt.Errorf("issue_timeout must be > 0, got %v", c.IssueTimeout)
	}
	if c.SweepEvery <= 0 {
		return fmt.Errorf("sweep_interval must be > 0, got %v", c.SweepEvery)
	}
	if !c.SelfSigned && c.DirectoryURL != "" && c.Email == "" {
		return fmt.Errorf("email is required when an ACME directory is configured")
	}
	return nil
}

// Validate performs validation of the broker configuration.
func (c *BrokerConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown backend %q, supported backends: memory, redis", c.Backend)
	}
	if c.Backend == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis backend requires redis.addr")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be > 0, got %v", c.LeaseDuration)
	}
	if c.SweepEvery <= 0 {
		return fmt.Errorf("sweep_interval must be > 0, got %v", c.SweepEvery)
	}
	return nil
}

// Validate performs validation of the result store configuration.
func (c *ResultsConfig) Validate() error {
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", c.Retention)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("gc_interval must be > 0, got %v", c.GCInterval)
	}
	return nil
}

// Validate performs validation of the worker pool configuration.
func (c *WorkersConfig) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", c.Count)
	}
	if c.Count > 0 && len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue is required when workers are enabled")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %v", c.PollInterval)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
