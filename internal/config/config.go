package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Poller   PollerConfig   `yaml:"poller"`
	Quota    QuotaConfig    `yaml:"quota"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	APIKey        string        `yaml:"apiKey"` // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	QueueCapacity int           `yaml:"queueCapacity"` // deferred-submission queue size
	WorkerCount   int           `yaml:"workerCount"`   // deferred-submission workers
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// ProviderConfig selects the video-generation backend and its credentials.
type ProviderConfig struct {
	Name           string        `yaml:"name"`    // "mock" or "runway"
	BaseURL        string        `yaml:"baseUrl"` // e.g. https://api.runwayml.com/v1
	APIKeys        string        `yaml:"apiKeys"` // comma-separated list; supports env expansion
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	Mock           MockSettings  `yaml:"mock"`
}

// MockSettings config for the simulated provider.
type MockSettings struct {
	Latency      time.Duration `yaml:"latency"`      // per-call simulated latency
	ProgressStep int           `yaml:"progressStep"` // progress gained per status poll
	FailEveryNth int           `yaml:"failEveryNth"` // 0 disables failure injection
}

// StoreConfig selects the job store driver.
type StoreConfig struct {
	Driver       string `yaml:"driver"` // "memory" or "sqlite"
	DatabasePath string `yaml:"databasePath"`
}

// PollerConfig tunes the background polling loop.
type PollerConfig struct {
	TickInterval time.Duration `yaml:"tickInterval"`
	BatchSize    int           `yaml:"batchSize"`
	JobTimeout   time.Duration `yaml:"jobTimeout"`
	Retention    time.Duration `yaml:"retention"`
}

// QuotaConfig holds daily ceilings per tier plus the coarse generation cap.
type QuotaConfig struct {
	DailyGenerations int                  `yaml:"dailyGenerations"`
	Tiers            map[string]TierLimit `yaml:"tiers"`
}

// TierLimit bounds one tier's same-day usage.
type TierLimit struct {
	MaxDailySeconds int `yaml:"maxDailySeconds"`
	MaxDailyCents   int `yaml:"maxDailyCents"`
}

// Keys splits the configured comma-separated provider credentials.
func (p ProviderConfig) Keys() []string {
	var keys []string
	for _, k := range strings.Split(p.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var REELFORGE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("REELFORGE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 128
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 2
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Provider defaults
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "mock"
	}
	if strings.EqualFold(cfg.Provider.Name, "runway") && strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		cfg.Provider.BaseURL = "https://api.runwayml.com/v1"
	}
	if cfg.Provider.RequestTimeout == 0 {
		cfg.Provider.RequestTimeout = 60 * time.Second
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.RetryBaseDelay == 0 {
		cfg.Provider.RetryBaseDelay = 1200 * time.Millisecond
	}
	if cfg.Provider.Mock.Latency == 0 {
		cfg.Provider.Mock.Latency = 200 * time.Millisecond
	}
	if cfg.Provider.Mock.ProgressStep <= 0 {
		cfg.Provider.Mock.ProgressStep = 20
	}

	// Store defaults
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = filepath.Join("data", "reelforge.db")
	}

	// Poller defaults
	if cfg.Poller.TickInterval == 0 {
		cfg.Poller.TickInterval = time.Second
	}
	if cfg.Poller.BatchSize <= 0 {
		cfg.Poller.BatchSize = 8
	}
	if cfg.Poller.JobTimeout == 0 {
		cfg.Poller.JobTimeout = 12 * time.Minute
	}
	if cfg.Poller.Retention == 0 {
		cfg.Poller.Retention = time.Hour
	}

	// Quota defaults
	if cfg.Quota.DailyGenerations <= 0 {
		cfg.Quota.DailyGenerations = 50
	}
	if cfg.Quota.Tiers == nil {
		cfg.Quota.Tiers = map[string]TierLimit{}
	}
	if _, ok := cfg.Quota.Tiers["free"]; !ok {
		cfg.Quota.Tiers["free"] = TierLimit{MaxDailySeconds: 120, MaxDailyCents: 500}
	}
	if _, ok := cfg.Quota.Tiers["pro"]; !ok {
		cfg.Quota.Tiers["pro"] = TierLimit{MaxDailySeconds: 1800, MaxDailyCents: 5000}
	}
	if _, ok := cfg.Quota.Tiers["enterprise"]; !ok {
		cfg.Quota.Tiers["enterprise"] = TierLimit{MaxDailySeconds: 14400, MaxDailyCents: 100000}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Provider.Name) {
	case "mock":
		// no credentials needed
	case "runway":
		if len(cfg.Provider.Keys()) == 0 {
			return errors.New("provider.apiKeys is required for the runway provider")
		}
	default:
		return fmt.Errorf("unsupported provider %q", cfg.Provider.Name)
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Store.DatabasePath) == "" {
			return errors.New("store.databasePath is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	for name, limit := range cfg.Quota.Tiers {
		if limit.MaxDailySeconds <= 0 || limit.MaxDailyCents <= 0 {
			return fmt.Errorf("quota tier %q must have positive ceilings", name)
		}
	}
	return nil
}
