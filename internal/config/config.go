package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Lines    []LineConfig   `mapstructure:"lines"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines listen addresses for the API and metrics endpoints
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// PortalConfig defines the upstream account portal endpoints and session behaviour
type PortalConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	OverviewURL    string `mapstructure:"overview_url"`
	LoginPageURL   string `mapstructure:"login_page_url"`
	LoginPostURL   string `mapstructure:"login_post_url"`
	BalanceURL     string `mapstructure:"balance_url"` // contains a {line} placeholder
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SessionOKTTL   string `mapstructure:"session_ok_ttl"`
	PollInterval   string `mapstructure:"poll_interval"`
	PollTimeout    string `mapstructure:"poll_timeout"`
	BalanceWorkers int    `mapstructure:"balance_workers"`
	RequestTimeout string `mapstructure:"request_timeout"`
	HeadTimeout    string `mapstructure:"head_timeout"`
}

// LineConfig identifies one managed line on the shared plan
type LineConfig struct {
	Number string `mapstructure:"number"`
	Label  string `mapstructure:"label"`
}

// CacheConfig defines TTLs for the status and limit caches
type CacheConfig struct {
	StatusTTL string `mapstructure:"status_ttl"`
	LimitTTL  string `mapstructure:"limit_ttl"`
}

// ScheduleConfig defines where the schedule matrix lives and how the
// scheduler guards against duplicate instances
type ScheduleConfig struct {
	MatrixPath string `mapstructure:"matrix_path"`
	LockPath   string `mapstructure:"lock_path"`
	WatchFile  bool   `mapstructure:"watch_file"`
}

// ProgressConfig selects the progress store backend
type ProgressConfig struct {
	Type      string      `mapstructure:"type"` // "memory" or "redis"
	Retention string      `mapstructure:"retention"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings for the progress store
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("ALDIDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 5000)
	v.SetDefault("server.metrics_port", 9090)

	// Portal defaults
	v.SetDefault("portal.base_url", "https://my.aldimobile.com.au")
	v.SetDefault("portal.overview_url", "https://my.aldimobile.com.au/admin/s/5620272/shareddataoverview")
	v.SetDefault("portal.login_page_url", "https://my.aldimobile.com.au/login/")
	v.SetDefault("portal.login_post_url", "https://my.aldimobile.com.au/login_check")
	v.SetDefault("portal.balance_url", "https://my.aldimobile.com.au/admin/s/{line}/shareddataajax/balance")
	// Credentials usually arrive via ALDIDATA_PORTAL_USERNAME /
	// ALDIDATA_PORTAL_PASSWORD; the keys must be registered or AutomaticEnv
	// never surfaces them through Unmarshal.
	v.SetDefault("portal.username", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.session_ok_ttl", "15m")
	v.SetDefault("portal.poll_interval", "2s")
	v.SetDefault("portal.poll_timeout", "45s")
	v.SetDefault("portal.balance_workers", 6)
	v.SetDefault("portal.request_timeout", "30s")
	v.SetDefault("portal.head_timeout", "5s")

	// Cache defaults
	v.SetDefault("cache.status_ttl", "20s")
	v.SetDefault("cache.limit_ttl", "30m")

	// Schedule defaults
	v.SetDefault("schedule.matrix_path", "/var/lib/aldidata/schedule_matrix.json")
	v.SetDefault("schedule.lock_path", "/var/lib/aldidata/scheduler.lock")
	v.SetDefault("schedule.watch_file", true)

	// Progress store defaults
	v.SetDefault("progress.type", "memory")
	v.SetDefault("progress.retention", "1h")
	v.SetDefault("progress.redis.host", "localhost")
	v.SetDefault("progress.redis.port", 6379)
	v.SetDefault("progress.redis.db", 0)
	v.SetDefault("progress.redis.pool_size", 10)
	v.SetDefault("progress.redis.dial_timeout", "5s")
	v.SetDefault("progress.redis.read_timeout", "3s")
	v.SetDefault("progress.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if len(cfg.Lines) == 0 {
		return fmt.Errorf("at least one line is required")
	}
	seen := make(map[string]bool, len(cfg.Lines))
	for _, l := range cfg.Lines {
		if l.Number == "" {
			return fmt.Errorf("line number must not be empty")
		}
		if seen[l.Number] {
			return fmt.Errorf("duplicate line number: %s", l.Number)
		}
		seen[l.Number] = true
	}

	if !strings.Contains(cfg.Portal.BalanceURL, "{line}") {
		return fmt.Errorf("portal.balance_url must contain a {line} placeholder")
	}

	if cfg.Schedule.MatrixPath == "" {
		return fmt.Errorf("schedule matrix path is required")
	}

	switch cfg.Progress.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported progress store type: %s", cfg.Progress.Type)
	}

	return nil
}

// Duration parses a duration string with a fallback
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LineNumbers returns the configured line numbers in declaration order.
func (c *Config) LineNumbers() []string {
	out := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		out = append(out, l.Number)
	}
	return out
}

// LineLabels returns a number -> label mapping for all lines with a label.
func (c *Config) LineLabels() map[string]string {
	out := make(map[string]string)
	for _, l := range c.Lines {
		if l.Label != "" {
			out[l.Number] = l.Label
		}
	}
	return out
}
