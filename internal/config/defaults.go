package config

import "time"

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultProxyPort is the default port for the proxy server.
const DefaultProxyPort = 7677

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.keyrelay"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "keyrelay.toml"

// DefaultProviderTimeout bounds a single upstream call.
const DefaultProviderTimeout = 120 * time.Second

// DefaultReadTimeout is the default HTTP server read timeout.
const DefaultReadTimeout = 10 * time.Second

// DefaultWriteTimeout is the default HTTP server write timeout. It covers
// the time a request spends queued as well as the upstream call.
const DefaultWriteTimeout = 10 * time.Minute

// DefaultIdleTimeout is the default HTTP server idle timeout.
const DefaultIdleTimeout = 120 * time.Second

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

const (
	DefaultCooldownThreshold = 60 * time.Second
	DefaultSelfThrottle      = time.Second
	DefaultMaxResetWindow    = 10 * time.Second
	DefaultTrialCeiling      = 250
)

const (
	DefaultCheckBatchSize   = 12
	DefaultCheckBatchDelay  = 250 * time.Millisecond
	DefaultCheckPeriod      = time.Hour
	DefaultCheckMinInterval = 3 * time.Second
)

const (
	DefaultQueueMaxSize        = 1000
	DefaultQueueMaxWait        = 5 * time.Minute
	DefaultQueueUncheckedGrace = 10 * time.Second
	DefaultQueuePollInterval   = 50 * time.Millisecond
	DefaultMaxRetries          = 5
)

// DefaultDialRetries is how many times a call that never connected is tried.
const DefaultDialRetries = 3

const (
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 5 * time.Second
)

// DefaultCBFailureThreshold is the default number of consecutive failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBResetTimeout is the default circuit breaker reset timeout.
const DefaultCBResetTimeout = 60 * time.Second

// DefaultCBHalfOpenMax is the default number of successful calls in half-open state to close the circuit.
const DefaultCBHalfOpenMax = 1

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "keyrelay"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidExporters lists the supported tracing exporters.
var ValidExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			ProxyPort:    DefaultProxyPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				KeyRefs:   []string{"keyring://keyrelay/openai"},
				CheckKeys: true,
				Timeout:   DefaultProviderTimeout,
			},
			"anthropic": {
				KeyRefs:   []string{"keyring://keyrelay/anthropic"},
				CheckKeys: true,
				Timeout:   DefaultProviderTimeout,
			},
		},
		Selection: SelectionConfig{
			CooldownThreshold: DefaultCooldownThreshold,
			SelfThrottle:      DefaultSelfThrottle,
			MaxResetWindow:    DefaultMaxResetWindow,
			TrialCeiling:      DefaultTrialCeiling,
			ForbiddenTiers:    []string{},
		},
		Checker: CheckerConfig{
			BatchSize:   DefaultCheckBatchSize,
			BatchDelay:  DefaultCheckBatchDelay,
			Period:      DefaultCheckPeriod,
			MinInterval: DefaultCheckMinInterval,
		},
		Queue: QueueConfig{
			MaxSize:        DefaultQueueMaxSize,
			MaxWait:        DefaultQueueMaxWait,
			UncheckedGrace: DefaultQueueUncheckedGrace,
			PollInterval:   DefaultQueuePollInterval,
			MaxRetries:     DefaultMaxRetries,
		},
		Resilience: ResilienceConfig{
			DialRetries:        DefaultDialRetries,
			RetryBaseDelay:     DefaultRetryBaseDelay,
			RetryMaxDelay:      DefaultRetryMaxDelay,
			CBEnabled:          true,
			CBFailureThreshold: DefaultCBFailureThreshold,
			CBResetTimeout:     DefaultCBResetTimeout,
			CBHalfOpenMax:      DefaultCBHalfOpenMax,
		},
		Tracing: TracingConfig{
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "keyrelay",
		},
	}
}

// DefaultTemplate is the commented config written by InitConfig. Its values
// match DefaultConfig.
const DefaultTemplate = `# keyrelay configuration

[server]
bind_address = "127.0.0.1"
proxy_port = 7677
log_level = "info"
data_dir = "~/.keyrelay"
tls_enabled = false
read_timeout = "10s"
write_timeout = "10m"
idle_timeout = "2m"
max_body_size = 10485760

[auth]
# Bearer token for /admin. Leave empty to disable the admin API.
token = ""

# Each key_refs entry is keyring://keyrelay/<name>, env:VAR or file:/path.
# A single ref may hold several comma-separated keys.
[providers.openai]
key_refs = ["keyring://keyrelay/openai"]
check_keys = true
timeout = "2m"

[providers.anthropic]
key_refs = ["keyring://keyrelay/anthropic"]
check_keys = true
timeout = "2m"

[selection]
cooldown_threshold = "1m"
self_throttle = "1s"
max_reset_window = "10s"
trial_ceiling = 250
# Tiers to refuse outright, e.g. ["gpt4", "gpt4-32k"] to serve turbo only.
forbidden_tiers = []

[checker]
batch_size = 12
batch_delay = "250ms"
period = "1h"
min_interval = "3s"
# Cron expression for a full recheck of every key, e.g. "0 4 * * *".
recheck_schedule = ""

[queue]
max_size = 1000
max_wait = "5m"
unchecked_grace = "10s"
poll_interval = "50ms"
max_retries = 5

[resilience]
dial_retries = 3
retry_base_delay = "500ms"
retry_max_delay = "5s"
circuit_breaker_enabled = true
cb_failure_threshold = 5
cb_reset_timeout = "1m"
cb_half_open_max_calls = 1

[tracing]
enabled = false
exporter = "otlp-grpc"
endpoint = "localhost:4317"
service_name = "keyrelay"
sample_rate = 1.0
insecure = false

[metrics]
enabled = true
namespace = "keyrelay"
`
