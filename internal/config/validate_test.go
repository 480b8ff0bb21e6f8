package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_Field(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"proxy port", func(c *Config) { c.Server.ProxyPort = 70000 }, "proxy_port"},
		{"log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"data dir", func(c *Config) { c.Server.DataDir = "" }, "data_dir"},
		{"tls cert", func(c *Config) {
			c.Server.TLSEnabled = true
			c.Server.KeyFile = "/path/to/key.pem"
		}, "cert_file"},
		{"tls key", func(c *Config) {
			c.Server.TLSEnabled = true
			c.Server.CertFile = "/path/to/cert.pem"
		}, "key_file"},
		{"read timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }, "read_timeout"},
		{"unknown provider", func(c *Config) { c.Providers["mistral"] = ProviderConfig{} }, "providers.mistral"},
		{"provider api base", func(c *Config) {
			c.Providers["openai"] = ProviderConfig{APIBase: "api.openai.com"}
		}, "api_base"},
		{"reset window", func(c *Config) { c.Selection.MaxResetWindow = 0 }, "max_reset_window"},
		{"forbidden tiers", func(c *Config) { c.Selection.ForbiddenTiers = []string{"gpt4", "gpt5"} }, "forbidden_tiers"},
		{"batch size", func(c *Config) { c.Checker.BatchSize = 0 }, "batch_size"},
		{"check period", func(c *Config) { c.Checker.Period = 0 }, "checker.period"},
		{"recheck schedule", func(c *Config) { c.Checker.RecheckSchedule = "* * *" }, "recheck_schedule"},
		{"queue size", func(c *Config) { c.Queue.MaxSize = 0 }, "max_size"},
		{"queue wait", func(c *Config) { c.Queue.MaxWait = 0 }, "max_wait"},
		{"max retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "max_retries"},
		{"dial retries", func(c *Config) { c.Resilience.DialRetries = 0 }, "dial_retries"},
		{"retry delays", func(c *Config) { c.Resilience.RetryMaxDelay = time.Millisecond }, "retry_max_delay"},
		{"failure threshold", func(c *Config) { c.Resilience.CBFailureThreshold = 0 }, "cb_failure_threshold"},
		{"reset timeout", func(c *Config) { c.Resilience.CBResetTimeout = 0 }, "cb_reset_timeout"},
		{"half open", func(c *Config) { c.Resilience.CBHalfOpenMax = 0 }, "cb_half_open_max_calls"},
		{"exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "tracing.exporter"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %s: %v", tt.field, err)
			}
		})
	}
}

func TestValidate_TracingDisabledSkipsExporter(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Exporter = "zipkin"
	if err := validate(cfg); err != nil {
		t.Errorf("exporter should only be checked when tracing is enabled: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ProxyPort = 0
	cfg.Server.LogLevel = "bad"
	cfg.Queue.MaxSize = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	for _, field := range []string{"proxy_port", "log_level", "max_size"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("error should mention %s: %v", field, err)
		}
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
