// Package config loads host configuration from a YAML file and environment
// through viper. Every tunable the runtime exposes lives here with a
// default, so an empty file yields a working daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full host configuration tree.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Enforcer  EnforcerConfig  `mapstructure:"enforcer"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MonitorConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	ReclaimGrace   time.Duration `mapstructure:"reclaim_grace"`
	VendorAllow    []string      `mapstructure:"vendor_allow"`
	ProductAllow   []string      `mapstructure:"product_allow"`
	ClassDeny      []uint8       `mapstructure:"class_deny"`
}

type EventLogConfig struct {
	Path              string        `mapstructure:"path"`
	Retention         int           `mapstructure:"retention"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	AppendRetryMax    time.Duration `mapstructure:"append_retry_max"`
}

type RegistryConfig struct {
	PluginDir          string `mapstructure:"plugin_dir"`
	RequireSignature   bool   `mapstructure:"require_signature"`
	ExclusiveMinTrust  string `mapstructure:"exclusive_min_trust"`
	WatchForNewPlugins bool   `mapstructure:"watch_for_new_plugins"`
}

type SandboxConfig struct {
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WorkDir         string        `mapstructure:"work_dir"`
}

type EnforcerConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	BreachWindow   int           `mapstructure:"breach_window"`
	BaselineAlpha  float64       `mapstructure:"baseline_alpha"`
	SampleHistory  int           `mapstructure:"sample_history"`
}

type AnomalyConfig struct {
	Threshold   float64       `mapstructure:"threshold"`
	Window      time.Duration `mapstructure:"window"`
	ScanEvery   time.Duration `mapstructure:"scan_every"`
	AllowList   []string      `mapstructure:"allow_list"`
	DenyList    []string      `mapstructure:"deny_list"`
	FloodPerSec float64       `mapstructure:"flood_per_sec"`
}

type ChannelConfig struct {
	MaxInFlight    int64         `mapstructure:"max_in_flight"`
	MaxPayload     int           `mapstructure:"max_payload"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads the file at path (optional) plus DEVSENTRY_* environment
// overrides and returns a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("devsentry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("monitor.debounce_window", 35*time.Millisecond)
	v.SetDefault("monitor.reclaim_grace", time.Minute)

	v.SetDefault("eventlog.path", "devsentry-events.db")
	v.SetDefault("eventlog.retention", 4096)
	v.SetDefault("eventlog.visibility_timeout", 5*time.Second)
	v.SetDefault("eventlog.append_retry_max", 2*time.Second)

	v.SetDefault("registry.plugin_dir", "plugins")
	v.SetDefault("registry.require_signature", false)
	v.SetDefault("registry.exclusive_min_trust", "trusted")
	v.SetDefault("registry.watch_for_new_plugins", false)

	v.SetDefault("sandbox.startup_timeout", 250*time.Millisecond)
	v.SetDefault("sandbox.shutdown_timeout", 3*time.Second)
	v.SetDefault("sandbox.work_dir", "")

	v.SetDefault("enforcer.sample_interval", time.Second)
	v.SetDefault("enforcer.breach_window", 3)
	v.SetDefault("enforcer.baseline_alpha", 0.2)
	v.SetDefault("enforcer.sample_history", 60)

	v.SetDefault("anomaly.threshold", 0.8)
	v.SetDefault("anomaly.window", time.Minute)
	v.SetDefault("anomaly.scan_every", time.Second)
	v.SetDefault("anomaly.flood_per_sec", 50)

	v.SetDefault("channel.max_in_flight", 64)
	v.SetDefault("channel.max_payload", 1<<20)
	v.SetDefault("channel.request_timeout", 5*time.Second)

	v.SetDefault("telemetry.listen_addr", ":9474")
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Monitor.DebounceWindow <= 0 {
		return fmt.Errorf("monitor.debounce_window must be positive")
	}
	if c.EventLog.Retention < 1 {
		return fmt.Errorf("eventlog.retention must be at least 1")
	}
	if c.EventLog.VisibilityTimeout <= 0 {
		return fmt.Errorf("eventlog.visibility_timeout must be positive")
	}
	if c.Enforcer.BreachWindow < 1 {
		return fmt.Errorf("enforcer.breach_window must be at least 1")
	}
	if c.Enforcer.BaselineAlpha <= 0 || c.Enforcer.BaselineAlpha > 1 {
		return fmt.Errorf("enforcer.baseline_alpha must be in (0,1]")
	}
	if c.Anomaly.Threshold <= 0 {
		return fmt.Errorf("anomaly.threshold must be positive")
	}
	if c.Channel.MaxInFlight < 1 {
		return fmt.Errorf("channel.max_in_flight must be at least 1")
	}
	if c.Channel.MaxPayload < 1 {
		return fmt.Errorf("channel.max_payload must be at least 1")
	}
	return nil
}
