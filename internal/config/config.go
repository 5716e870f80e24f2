package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/audiences/internal/ipfilter"
)

// APIKeyEnv overrides api.api_key when set
const APIKeyEnv = "AUDIENCES_API_KEY"

// Config is the service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Staging  StagingConfig  `yaml:"staging"`
	API      APIConfig      `yaml:"api"`
	Import   ImportConfig   `yaml:"import"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	TLS          TLSConfig     `yaml:"tls"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 60s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 120s
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StagingConfig points at the bbolt file holding uploads awaiting import
type StagingConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	APIKey         string   `yaml:"api_key"`
	AllowedIPs     []string `yaml:"allowed_ips"`     // IPs or CIDRs, empty = allow all
	TrustedProxies []string `yaml:"trusted_proxies"` // peers whose X-Forwarded-For / X-Real-IP are believed
}

// ImportConfig tunes CSV uploads and the background import worker
type ImportConfig struct {
	MaxFileBytes    int64         `yaml:"max_file_bytes"`    // default: 10MB
	PreviewRows     int           `yaml:"preview_rows"`      // default: 5
	YieldEvery      int           `yaml:"yield_every"`       // default: 10
	PollInterval    time.Duration `yaml:"poll_interval"`     // default: 2s
	Concurrency     int           `yaml:"concurrency"`       // default: 2
	RateLimitMinute int           `yaml:"rate_limit_minute"` // uploads per organization, 0 = unlimited
	RateLimitHour   int           `yaml:"rate_limit_hour"`
	Retention       time.Duration `yaml:"retention"` // finished jobs older than this are purged, default: 720h
}

type CleanupConfig struct {
	Schedule string `yaml:"schedule"` // cron expression, default: "0 3 * * *"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.API.APIKey = key
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/audiences/app.db"
	}
	if c.Staging.Path == "" {
		c.Staging.Path = "/var/lib/audiences/staging.db"
	}

	if c.Import.MaxFileBytes == 0 {
		c.Import.MaxFileBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Import.PreviewRows == 0 {
		c.Import.PreviewRows = 5
	}
	if c.Import.YieldEvery == 0 {
		c.Import.YieldEvery = 10
	}
	if c.Import.PollInterval == 0 {
		c.Import.PollInterval = 2 * time.Second
	}
	if c.Import.Concurrency == 0 {
		c.Import.Concurrency = 2
	}
	if c.Import.Retention == 0 {
		c.Import.Retention = 30 * 24 * time.Hour
	}

	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = "0 3 * * *"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (or set %s)", APIKeyEnv)
	}
	if len(c.API.APIKey) < 16 {
		return fmt.Errorf("api.api_key must be at least 16 characters")
	}

	if _, err := ipfilter.ParsePrefixes(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("invalid api.allowed_ips: %w", err)
	}
	if _, err := ipfilter.ParsePrefixes(c.API.TrustedProxies); err != nil {
		return fmt.Errorf("invalid api.trusted_proxies: %w", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Import.MaxFileBytes < 0 {
		return fmt.Errorf("import.max_file_bytes must not be negative")
	}
	if c.Import.PreviewRows < 0 || c.Import.YieldEvery < 0 || c.Import.Concurrency < 0 {
		return fmt.Errorf("import.preview_rows, import.yield_every and import.concurrency must not be negative")
	}
	if c.Import.RateLimitMinute < 0 || c.Import.RateLimitHour < 0 {
		return fmt.Errorf("import rate limits must not be negative")
	}

	if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
		return fmt.Errorf("invalid cleanup.schedule %q: %w", c.Cleanup.Schedule, err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
