package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for keyrelay.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"     toml:"server"`
	Auth       AuthConfig                `mapstructure:"auth"       toml:"auth"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Selection  SelectionConfig           `mapstructure:"selection"  toml:"selection"`
	Checker    CheckerConfig             `mapstructure:"checker"    toml:"checker"`
	Queue      QueueConfig               `mapstructure:"queue"      toml:"queue"`
	Resilience ResilienceConfig          `mapstructure:"resilience" toml:"resilience"`
	Tracing    TracingConfig             `mapstructure:"tracing"    toml:"tracing"`
	Metrics    MetricsConfig             `mapstructure:"metrics"    toml:"metrics"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	BindAddress  string        `mapstructure:"bind_address"  toml:"bind_address"`
	ProxyPort    int           `mapstructure:"proxy_port"    toml:"proxy_port"`
	LogLevel     string        `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string        `mapstructure:"data_dir"      toml:"data_dir"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"     toml:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"      toml:"key_file"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size" toml:"max_body_size"`
}

// Addr returns the host:port the proxy listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.ProxyPort)
}

// AuthConfig protects the admin API. An empty token disables it.
type AuthConfig struct {
	Token string `mapstructure:"token" toml:"token"`
}

// ProviderConfig describes one upstream service and where its keys live.
type ProviderConfig struct {
	APIBase string `mapstructure:"api_base" toml:"api_base"`
	// KeyRefs are vault references (keyring://, env:, file:). Each may
	// resolve to several comma-separated secrets.
	KeyRefs   []string      `mapstructure:"key_refs"   toml:"key_refs"`
	CheckKeys bool          `mapstructure:"check_keys" toml:"check_keys"`
	Timeout   time.Duration `mapstructure:"timeout"    toml:"timeout"`
}

// TimeoutDuration returns the provider timeout, falling back to the default.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProviderTimeout
	}
	return p.Timeout
}

// SelectionConfig tunes key selection and rate-limit bookkeeping.
type SelectionConfig struct {
	CooldownThreshold time.Duration `mapstructure:"cooldown_threshold" toml:"cooldown_threshold"`
	SelfThrottle      time.Duration `mapstructure:"self_throttle"      toml:"self_throttle"`
	MaxResetWindow    time.Duration `mapstructure:"max_reset_window"   toml:"max_reset_window"`
	// TrialCeiling is the highest requests-per-minute limit at which a key
	// is still considered a trial key.
	TrialCeiling int `mapstructure:"trial_ceiling" toml:"trial_ceiling"`
	// ForbiddenTiers switches off model tiers, e.g. ["gpt4", "gpt4-32k"].
	ForbiddenTiers []string `mapstructure:"forbidden_tiers" toml:"forbidden_tiers"`
}

// CheckerConfig paces background key checks.
type CheckerConfig struct {
	BatchSize   int           `mapstructure:"batch_size"   toml:"batch_size"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"  toml:"batch_delay"`
	Period      time.Duration `mapstructure:"period"       toml:"period"`
	MinInterval time.Duration `mapstructure:"min_interval" toml:"min_interval"`
	// RecheckSchedule is a cron expression for a full recheck of every
	// key. Empty disables it.
	RecheckSchedule string `mapstructure:"recheck_schedule" toml:"recheck_schedule"`
}

// QueueConfig bounds the admission queue.
type QueueConfig struct {
	MaxSize        int           `mapstructure:"max_size"        toml:"max_size"`
	MaxWait        time.Duration `mapstructure:"max_wait"        toml:"max_wait"`
	UncheckedGrace time.Duration `mapstructure:"unchecked_grace" toml:"unchecked_grace"`
	PollInterval   time.Duration `mapstructure:"poll_interval"   toml:"poll_interval"`
	MaxRetries     int           `mapstructure:"max_retries"     toml:"max_retries"`
}

// ResilienceConfig controls dial retries and the per-service circuit
// breakers that guard key checks.
type ResilienceConfig struct {
	DialRetries        int           `mapstructure:"dial_retries"           toml:"dial_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"       toml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"        toml:"retry_max_delay"`
	CBEnabled          bool          `mapstructure:"circuit_breaker_enabled" toml:"circuit_breaker_enabled"`
	CBFailureThreshold int           `mapstructure:"cb_failure_threshold"   toml:"cb_failure_threshold"`
	CBResetTimeout     time.Duration `mapstructure:"cb_reset_timeout"       toml:"cb_reset_timeout"`
	CBHalfOpenMax      int           `mapstructure:"cb_half_open_max_calls" toml:"cb_half_open_max_calls"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"` // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"` // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"   toml:"enabled"`
	Namespace string `mapstructure:"namespace" toml:"namespace"`
}

// Load reads configuration with the following precedence:
//  1. Environment variables (KEYRELAY_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.keyrelay/keyrelay.toml
//  4. ./keyrelay.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	// KEYRELAY_SERVER_PROXY_PORT etc.
	v.SetEnvPrefix("KEYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".keyrelay"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("keyrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to
// ~/.keyrelay/keyrelay.toml and returns its path. An existing file is not
// overwritten.
func InitConfig() (string, bool, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".keyrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", false, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	if err := os.WriteFile(path, []byte(DefaultTemplate), 0o600); err != nil {
		return "", false, fmt.Errorf("writing config: %w", err)
	}
	return path, true, nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.proxy_port", d.Server.ProxyPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	// Auth
	v.SetDefault("auth.token", d.Auth.Token)

	// Selection
	v.SetDefault("selection.cooldown_threshold", d.Selection.CooldownThreshold)
	v.SetDefault("selection.self_throttle", d.Selection.SelfThrottle)
	v.SetDefault("selection.max_reset_window", d.Selection.MaxResetWindow)
	v.SetDefault("selection.trial_ceiling", d.Selection.TrialCeiling)
	v.SetDefault("selection.forbidden_tiers", d.Selection.ForbiddenTiers)

	// Checker
	v.SetDefault("checker.batch_size", d.Checker.BatchSize)
	v.SetDefault("checker.batch_delay", d.Checker.BatchDelay)
	v.SetDefault("checker.period", d.Checker.Period)
	v.SetDefault("checker.min_interval", d.Checker.MinInterval)
	v.SetDefault("checker.recheck_schedule", d.Checker.RecheckSchedule)

	// Queue
	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.max_wait", d.Queue.MaxWait)
	v.SetDefault("queue.unchecked_grace", d.Queue.UncheckedGrace)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)

	// Resilience
	v.SetDefault("resilience.dial_retries", d.Resilience.DialRetries)
	v.SetDefault("resilience.retry_base_delay", d.Resilience.RetryBaseDelay)
	v.SetDefault("resilience.retry_max_delay", d.Resilience.RetryMaxDelay)
	v.SetDefault("resilience.circuit_breaker_enabled", d.Resilience.CBEnabled)
	v.SetDefault("resilience.cb_failure_threshold", d.Resilience.CBFailureThreshold)
	v.SetDefault("resilience.cb_reset_timeout", d.Resilience.CBResetTimeout)
	v.SetDefault("resilience.cb_half_open_max_calls", d.Resilience.CBHalfOpenMax)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
