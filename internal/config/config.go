// Package config loads and validates fleet configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Profile     ProfileConfig     `mapstructure:"profile"`
	CDP         CDPConfig         `mapstructure:"cdp"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProfileConfig locates the profile tree and tunes locking and reclamation.
type ProfileConfig struct {
	Root               string        `mapstructure:"root"`
	Group              string        `mapstructure:"group"`
	BrowserKind        string        `mapstructure:"browser_kind"`
	Mode               string        `mapstructure:"mode"`
	MaxSlots           int           `mapstructure:"max_slots"`
	LockRetries        int           `mapstructure:"lock_retries"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	LockBackoff        time.Duration `mapstructure:"lock_backoff"`
	TempExpiry         time.Duration `mapstructure:"temp_expiry"`
	KeepRecent         int           `mapstructure:"keep_recent"`
	VerifyLauncherDead bool          `mapstructure:"verify_launcher_dead"`
}

// CDPConfig tunes the protocol client.
type CDPConfig struct {
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	CloseDrainTimeout time.Duration `mapstructure:"close_drain_timeout"`
}

// SchedulerConfig bounds task execution.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Retention      int           `mapstructure:"retention"`
}

// BrowserConfig controls how Chrome is launched and recycled.
type BrowserConfig struct {
	ExecPath       string        `mapstructure:"exec_path"`
	Headless       bool          `mapstructure:"headless"`
	UserAgent      string        `mapstructure:"user_agent"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	MaxIdle        time.Duration `mapstructure:"max_idle"`
}

// FetchConfig shapes page fetches.
type FetchConfig struct {
	RatePerHost       float64       `mapstructure:"rate_per_host"`
	Burst             int           `mapstructure:"burst"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	OutputDir         string        `mapstructure:"output_dir"`
}

// MaintenanceConfig schedules periodic fleet maintenance. Zero disables it.
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("profile.root", "fleet-data")
	v.SetDefault("profile.group", "default")
	v.SetDefault("profile.browser_kind", "chrome")
	v.SetDefault("profile.mode", "sequential")
	v.SetDefault("profile.max_slots", 10)
	v.SetDefault("profile.lock_retries", 3)
	v.SetDefault("profile.lock_wait", "1s")
	v.SetDefault("profile.lock_backoff", "1s")
	v.SetDefault("profile.temp_expiry", "12h")
	v.SetDefault("profile.keep_recent", 10)
	v.SetDefault("profile.verify_launcher_dead", false)
	v.SetDefault("cdp.read_timeout", "30s")
	v.SetDefault("cdp.event_buffer", 1024)
	v.SetDefault("cdp.close_drain_timeout", "5s")
	v.SetDefault("scheduler.poll_interval", "10ms")
	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.retention", 10000)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.startup_timeout", "20s")
	v.SetDefault("browser.max_idle", "10m")
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.navigation_timeout", "30s")
	v.SetDefault("fetch.output_dir", "fleet-data/pages")
	v.SetDefault("maintenance.interval", "5m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Profile.Root == "" {
		return fmt.Errorf("profile.root must be set")
	}
	if c.Profile.Group == "" {
		return fmt.Errorf("profile.group must be set")
	}
	switch c.Profile.Mode {
	case "sequential", "random", "system-default", "default", "prototype":
	default:
		return fmt.Errorf("profile.mode %q must be sequential, random, system-default, default or prototype", c.Profile.Mode)
	}
	if c.Profile.MaxSlots <= 0 {
		return fmt.Errorf("profile.max_slots must be > 0")
	}
	if c.Profile.LockRetries < 0 {
		return fmt.Errorf("profile.lock_retries must be >= 0")
	}
	if c.Profile.TempExpiry <= 0 {
		return fmt.Errorf("profile.temp_expiry must be > 0")
	}
	if c.CDP.ReadTimeout <= 0 {
		return fmt.Errorf("cdp.read_timeout must be > 0")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if c.Fetch.RatePerHost < 0 {
		return fmt.Errorf("fetch.rate_per_host must be >= 0")
	}
	if c.Fetch.OutputDir == "" {
		return fmt.Errorf("fetch.output_dir must be set")
	}
	if c.Maintenance.Interval < 0 {
		return fmt.Errorf("maintenance.interval must be >= 0")
	}
	return nil
}
