// Package config loads the service configuration and the shops catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bookwise/internal/policy"
)

// PathEnv overrides the default config location.
const PathEnv = "BOOKWISE_CONFIG_PATH"

const defaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Port      int      `yaml:"port"`
		APIKeys   []string `yaml:"api_keys"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Backup struct {
			Enabled       bool   `yaml:"enabled"`
			IntervalHours int    `yaml:"interval_hours"`
			Path          string `yaml:"path"`
			RetentionDays int    `yaml:"retention_days"`
		} `yaml:"backup"`
	} `yaml:"database"`

	Redis struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers string `yaml:"brokers"`
		Topic   string `yaml:"topic"`
		GroupID string `yaml:"group_id"`
	} `yaml:"kafka"`

	Availability struct {
		GranularityMinutes int    `yaml:"granularity_minutes"`
		CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
		MinAdvanceMinutes  int    `yaml:"min_advance_minutes"`
		DefaultOpen        string `yaml:"default_open"`
		DefaultClose       string `yaml:"default_close"`
		Timezone           string `yaml:"timezone"`
	} `yaml:"availability"`

	Locks struct {
		TTLSeconds int `yaml:"ttl_seconds"`
		Retry      struct {
			MaxAttempts int     `yaml:"max_attempts"`
			BaseDelayMS int     `yaml:"base_delay_ms"`
			Multiplier  float64 `yaml:"multiplier"`
			MaxDelayMS  int     `yaml:"max_delay_ms"`
		} `yaml:"retry"`
	} `yaml:"locks"`

	Timeouts struct {
		ReadMS  int `yaml:"read_ms"`
		WriteMS int `yaml:"write_ms"`
	} `yaml:"timeouts"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
		ServiceName string  `yaml:"service_name"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	ShopsConfigPath   string `yaml:"shops_config_path"`
	ShopsWatchSeconds int    `yaml:"shops_watch_seconds"`
}

// Path returns the config path from the environment or the default.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	return defaultPath
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/bookwise.db"
	}
	if cfg.Database.Driver == "sqlite3" {
		if err = os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, err
		}
	}
	if _, err = cfg.Location(); err != nil {
		return nil, fmt.Errorf("availability.timezone: %w", err)
	}

	return &cfg, nil
}

func (c *Config) ServerPort() int {
	if c.Server.Port <= 0 {
		return 8080
	}
	return c.Server.Port
}

func (c *Config) Granularity() int {
	if c.Availability.GranularityMinutes <= 0 {
		return 30
	}
	return c.Availability.GranularityMinutes
}

func (c *Config) CacheTTL() time.Duration {
	if c.Availability.CacheTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Availability.CacheTTLSeconds) * time.Second
}

func (c *Config) MinAdvance() time.Duration {
	if c.Availability.MinAdvanceMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Availability.MinAdvanceMinutes) * time.Minute
}

func (c *Config) DefaultHours() (string, string) {
	open, closeAt := c.Availability.DefaultOpen, c.Availability.DefaultClose
	if open == "" {
		open = "08:00"
	}
	if closeAt == "" {
		closeAt = "18:00"
	}
	return open, closeAt
}

// Location is the time zone days and slots are computed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Availability.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Availability.Timezone)
}

func (c *Config) LockTTL() time.Duration {
	if c.Locks.TTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Locks.TTLSeconds) * time.Second
}

// LockRetry is the retry policy for lock acquisition with the retry strategy.
func (c *Config) LockRetry() policy.RetryPolicy {
	r := c.Locks.Retry
	p := policy.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
		Multiplier:  r.Multiplier,
		MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

func (c *Config) StoreTimeouts() policy.Timeouts {
	return policy.Timeouts{
		Read:  time.Duration(c.Timeouts.ReadMS) * time.Millisecond,
		Write: time.Duration(c.Timeouts.WriteMS) * time.Millisecond,
	}.OrDefault()
}

func (c *Config) BackupInterval() time.Duration {
	if c.Database.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Database.Backup.IntervalHours) * time.Hour
}

func (c *Config) ShopsPath() string {
	if c.ShopsConfigPath == "" {
		return "configs/shops.yaml"
	}
	return c.ShopsConfigPath
}

func (c *Config) ShopsWatchInterval() time.Duration {
	if c.ShopsWatchSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShopsWatchSeconds) * time.Second
}

// KafkaEnabled reports whether brokers and a topic are configured.
func (c *Config) KafkaEnabled() bool {
	return strings.TrimSpace(c.Kafka.Brokers) != "" && c.Kafka.Topic != ""
}
