// Package config loads the control plane configuration from a YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "FWFORGE_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bamboo    BambooConfig    `yaml:"bamboo"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Leader    LeaderConfig    `yaml:"leader"`
	Logging   LoggingConfig   `yaml:"logging"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"corsOrigin"`
}

type SchedulerConfig struct {
	Enabled                 bool `yaml:"enabled"`
	QueuePollIntervalMs     int  `yaml:"queuePollIntervalMs"`
	StatusPollIntervalMs    int  `yaml:"statusPollIntervalMs"`
	MaxConcurrentBuilds     int  `yaml:"maxConcurrentBuilds"`
	DefaultMaxRetries       int  `yaml:"defaultMaxRetries"`
	CircuitBreakerThreshold int  `yaml:"circuitBreakerThreshold"` // 0 disables the breaker
	CircuitCooldownMs       int  `yaml:"circuitCooldownMs"`
}

type BambooConfig struct {
	BaseURL       string  `yaml:"baseUrl"`
	APIToken      string  `yaml:"apiToken"`
	Username      string  `yaml:"username"`
	Password      string  `yaml:"password"`
	TimeoutMs     int     `yaml:"timeoutMs"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty selects the in-memory store
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty runs standalone without leader election
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LeaderConfig struct {
	TTLMs int `yaml:"ttlMs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebhooksConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type MonitorConfig struct {
	RequestTimeoutMinutes int `yaml:"requestTimeoutMinutes"`
	IntervalMs            int `yaml:"intervalMs"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", CORSOrigin: "*"},
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			QueuePollIntervalMs:     10000,
			StatusPollIntervalMs:    30000,
			MaxConcurrentBuilds:     5,
			DefaultMaxRetries:       3,
			CircuitBreakerThreshold: 5,
			CircuitCooldownMs:       60000,
		},
		Bamboo:   BambooConfig{TimeoutMs: 15000, RatePerSecond: 10, Burst: 20},
		Leader:   LeaderConfig{TTLMs: 30000},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Webhooks: WebhooksConfig{RatePerSecond: 50, Burst: 100},
		Monitor:  MonitorConfig{RequestTimeoutMinutes: 30, IntervalMs: 60000},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays FWFORGE_* variables. Unset variables leave the value alone.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FWFORGE_ADDR", &cfg.Server.Addr)
	str("FWFORGE_CORS_ORIGIN", &cfg.Server.CORSOrigin)
	flag("FWFORGE_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	num("FWFORGE_MAX_CONCURRENT_BUILDS", &cfg.Scheduler.MaxConcurrentBuilds)
	num("FWFORGE_CIRCUIT_BREAKER_THRESHOLD", &cfg.Scheduler.CircuitBreakerThreshold)
	str("FWFORGE_BAMBOO_BASE_URL", &cfg.Bamboo.BaseURL)
	str("FWFORGE_BAMBOO_API_TOKEN", &cfg.Bamboo.APIToken)
	str("FWFORGE_BAMBOO_USERNAME", &cfg.Bamboo.Username)
	str("FWFORGE_BAMBOO_PASSWORD", &cfg.Bamboo.Password)
	str("FWFORGE_POSTGRES_DSN", &cfg.Postgres.DSN)
	str("FWFORGE_REDIS_ADDR", &cfg.Redis.Addr)
	str("FWFORGE_REDIS_PASSWORD", &cfg.Redis.Password)
	num("FWFORGE_REDIS_DB", &cfg.Redis.DB)
	str("FWFORGE_LOG_LEVEL", &cfg.Logging.Level)
	str("FWFORGE_LOG_FORMAT", &cfg.Logging.Format)
	return errors.Join(errs...)
}

// Validate rejects values the control plane cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("scheduler.queuePollIntervalMs", c.Scheduler.QueuePollIntervalMs)
	positive("scheduler.statusPollIntervalMs", c.Scheduler.StatusPollIntervalMs)
	positive("scheduler.maxConcurrentBuilds", c.Scheduler.MaxConcurrentBuilds)
	positive("bamboo.timeoutMs", c.Bamboo.TimeoutMs)
	positive("leader.ttlMs", c.Leader.TTLMs)
	positive("monitor.requestTimeoutMinutes", c.Monitor.RequestTimeoutMinutes)
	positive("monitor.intervalMs", c.Monitor.IntervalMs)
	if c.Scheduler.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("scheduler.defaultMaxRetries must not be negative"))
	}
	if c.Scheduler.CircuitBreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("scheduler.circuitBreakerThreshold must not be negative"))
	}
	if c.Bamboo.BaseURL != "" {
		u, err := url.Parse(c.Bamboo.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("bamboo.baseUrl %q is not an absolute URL", c.Bamboo.BaseURL))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s SchedulerConfig) QueuePollInterval() time.Duration  { return ms(s.QueuePollIntervalMs) }
func (s SchedulerConfig) StatusPollInterval() time.Duration { return ms(s.StatusPollIntervalMs) }
func (s SchedulerConfig) CircuitCooldown() time.Duration    { return ms(s.CircuitCooldownMs) }
func (b BambooConfig) Timeout() time.Duration               { return ms(b.TimeoutMs) }
func (l LeaderConfig) TTL() time.Duration                   { return ms(l.TTLMs) }
func (m MonitorConfig) Interval() time.Duration             { return ms(m.IntervalMs) }

func (m MonitorConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutMinutes) * time.Minute
}
