package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/proxy-rotator/internal/types"
)

type Config struct {
	Pool       PoolConfig       `json:"pool"`
	Sources    SourcesConfig    `json:"sources"`
	Monitor    MonitorConfig    `json:"monitor"`
	Quarantine QuarantineConfig `json:"quarantine"`
	Selection  SelectionConfig  `json:"selection"`
	Session    SessionConfig    `json:"session"`
	Storage    StorageConfig    `json:"storage"`
	API        APIConfig        `json:"api"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

// Proxy is one statically configured pool candidate.
type Proxy struct {
	Address  string `json:"address"`
	Scheme   string `json:"scheme"` // "http", "https", "socks5", "tor"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type PoolConfig struct {
	Proxies []Proxy `json:"proxies"`
	// EWMAAlpha weights the newest successful latency sample.
	EWMAAlpha float64 `json:"ewma_alpha"`
}

type SourcesConfig struct {
	URLs                   []string `json:"urls"`
	RefreshIntervalSeconds int      `json:"refresh_interval_seconds"`
	UserAgent              string   `json:"user_agent"`
}

type MonitorConfig struct {
	IntervalSeconds int    `json:"interval_seconds"`
	ProbeTimeoutMs  int    `json:"probe_timeout_ms"`
	Workers         int    `json:"workers"`
	TestURL         string `json:"test_url"`
	Mode            string `json:"mode"` // "connect-only" or "full-http"
	TorAddr         string `json:"tor_addr"`
}

type QuarantineConfig struct {
	// FailureThreshold is the consecutive-failure weight that trips
	// quarantine from healthy/degraded.
	FailureThreshold int `json:"failure_threshold"`
	// MaxQuarantines permanently retires a record to dead.
	MaxQuarantines int `json:"max_quarantines"`
	CooldownBaseMs int `json:"cooldown_base_ms"`
	CooldownMaxMs  int `json:"cooldown_max_ms"`
}

type SelectionConfig struct {
	DefaultPolicy string `json:"default_policy"` // "round_robin" or "latency_weighted"
}

type SessionConfig struct {
	TTLSeconds int      `json:"ttl_seconds"`
	UserAgents []string `json:"user_agents"`
}

type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from a JSON file and applies defaults.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in documented defaults for unset values.
func (c *Config) ApplyDefaults() {
	if c.Pool.EWMAAlpha == 0 {
		c.Pool.EWMAAlpha = 0.3
	}
	if c.Sources.RefreshIntervalSeconds == 0 {
		c.Sources.RefreshIntervalSeconds = 3600
	}
	if c.Monitor.IntervalSeconds == 0 {
		c.Monitor.IntervalSeconds = 30
	}
	if c.Monitor.ProbeTimeoutMs == 0 {
		c.Monitor.ProbeTimeoutMs = 5000
	}
	if c.Monitor.Workers == 0 {
		c.Monitor.Workers = 50
	}
	if c.Monitor.TestURL == "" {
		c.Monitor.TestURL = "https://www.google.com/generate_204"
	}
	if c.Monitor.Mode == "" {
		c.Monitor.Mode = "full-http"
	}
	if c.Monitor.TorAddr == "" {
		c.Monitor.TorAddr = "127.0.0.1:9050"
	}
	if c.Quarantine.FailureThreshold == 0 {
		c.Quarantine.FailureThreshold = 3
	}
	if c.Quarantine.MaxQuarantines == 0 {
		c.Quarantine.MaxQuarantines = 5
	}
	if c.Quarantine.CooldownBaseMs == 0 {
		c.Quarantine.CooldownBaseMs = 60000
	}
	if c.Quarantine.CooldownMaxMs == 0 {
		c.Quarantine.CooldownMaxMs = 1800000
	}
	if c.Selection.DefaultPolicy == "" {
		c.Selection.DefaultPolicy = "round_robin"
	}
	if c.Session.TTLSeconds == 0 {
		c.Session.TTLSeconds = 600
	}
	if len(c.Session.UserAgents) == 0 {
		c.Session.UserAgents = defaultUserAgents
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/pool-state.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxyrotator"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Monitor.ProbeTimeoutMs < 100 || c.Monitor.ProbeTimeoutMs > 300000 {
		return fmt.Errorf("probe_timeout_ms must be between 100 and 300000")
	}
	if c.Monitor.Workers < 1 || c.Monitor.Workers > 10000 {
		return fmt.Errorf("workers must be between 1 and 10000")
	}
	if c.Monitor.Mode != "connect-only" && c.Monitor.Mode != "full-http" {
		return fmt.Errorf("mode must be 'connect-only' or 'full-http'")
	}
	if c.Quarantine.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.Quarantine.MaxQuarantines < 1 {
		return fmt.Errorf("max_quarantines must be at least 1")
	}
	if c.Quarantine.CooldownMaxMs < c.Quarantine.CooldownBaseMs {
		return fmt.Errorf("cooldown_max_ms must be >= cooldown_base_ms")
	}
	if c.Pool.EWMAAlpha <= 0 || c.Pool.EWMAAlpha > 1 {
		return fmt.Errorf("ewma_alpha must be in (0, 1]")
	}
	if c.Selection.DefaultPolicy != "round_robin" && c.Selection.DefaultPolicy != "latency_weighted" {
		return fmt.Errorf("default_policy must be 'round_robin' or 'latency_weighted'")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	for _, p := range c.Pool.Proxies {
		switch types.Scheme(p.Scheme) {
		case types.SchemeHTTP, types.SchemeHTTPS, types.SchemeSOCKS5, types.SchemeTor:
		default:
			return fmt.Errorf("proxy %s: unknown scheme %q", p.Address, p.Scheme)
		}
	}
	return nil
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}
