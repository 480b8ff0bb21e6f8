package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.ProxyPort < 1 || cfg.Server.ProxyPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.proxy_port must be between 1 and 65535, got %d", cfg.Server.ProxyPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %s", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %s", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %s", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Provider validation
	for name, p := range cfg.Providers {
		if _, err := keys.ParseService(name); err != nil {
			errs = append(errs, fmt.Sprintf("providers.%s: %v", name, err))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
		if p.APIBase != "" && !strings.HasPrefix(p.APIBase, "http://") && !strings.HasPrefix(p.APIBase, "https://") {
			errs = append(errs, fmt.Sprintf("providers.%s.api_base must be an http(s) URL, got %q", name, p.APIBase))
		}
	}

	// Selection validation
	if cfg.Selection.CooldownThreshold < 0 {
		errs = append(errs, fmt.Sprintf("selection.cooldown_threshold must be non-negative, got %s", cfg.Selection.CooldownThreshold))
	}
	if cfg.Selection.SelfThrottle < 0 {
		errs = append(errs, fmt.Sprintf("selection.self_throttle must be non-negative, got %s", cfg.Selection.SelfThrottle))
	}
	if cfg.Selection.MaxResetWindow <= 0 {
		errs = append(errs, fmt.Sprintf("selection.max_reset_window must be positive, got %s", cfg.Selection.MaxResetWindow))
	}
	if cfg.Selection.TrialCeiling < 0 {
		errs = append(errs, fmt.Sprintf("selection.trial_ceiling must be non-negative, got %d", cfg.Selection.TrialCeiling))
	}
	if _, unknown := keys.ParseCapability(cfg.Selection.ForbiddenTiers); len(unknown) > 0 {
		errs = append(errs, fmt.Sprintf("selection.forbidden_tiers has unknown tiers %v", unknown))
	}

	// Checker validation
	if cfg.Checker.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("checker.batch_size must be at least 1, got %d", cfg.Checker.BatchSize))
	}
	if cfg.Checker.BatchDelay < 0 {
		errs = append(errs, fmt.Sprintf("checker.batch_delay must be non-negative, got %s", cfg.Checker.BatchDelay))
	}
	if cfg.Checker.Period <= 0 {
		errs = append(errs, fmt.Sprintf("checker.period must be positive, got %s", cfg.Checker.Period))
	}
	if cfg.Checker.MinInterval < 0 {
		errs = append(errs, fmt.Sprintf("checker.min_interval must be non-negative, got %s", cfg.Checker.MinInterval))
	}
	if cfg.Checker.RecheckSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Checker.RecheckSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("checker.recheck_schedule %q: %v", cfg.Checker.RecheckSchedule, err))
		}
	}

	// Queue validation
	if cfg.Queue.MaxSize < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_size must be at least 1, got %d", cfg.Queue.MaxSize))
	}
	if cfg.Queue.MaxWait <= 0 {
		errs = append(errs, fmt.Sprintf("queue.max_wait must be positive, got %s", cfg.Queue.MaxWait))
	}
	if cfg.Queue.UncheckedGrace < 0 {
		errs = append(errs, fmt.Sprintf("queue.unchecked_grace must be non-negative, got %s", cfg.Queue.UncheckedGrace))
	}
	if cfg.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("queue.poll_interval must be positive, got %s", cfg.Queue.PollInterval))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("queue.max_retries must be non-negative, got %d", cfg.Queue.MaxRetries))
	}

	// Resilience validation
	if cfg.Resilience.DialRetries < 1 {
		errs = append(errs, fmt.Sprintf("resilience.dial_retries must be at least 1, got %d", cfg.Resilience.DialRetries))
	}
	if cfg.Resilience.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay must be non-negative, got %s", cfg.Resilience.RetryBaseDelay))
	}
	if cfg.Resilience.RetryMaxDelay < cfg.Resilience.RetryBaseDelay {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_delay must be at least retry_base_delay, got %s", cfg.Resilience.RetryMaxDelay))
	}
	if cfg.Resilience.CBFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_failure_threshold must be at least 1, got %d", cfg.Resilience.CBFailureThreshold))
	}
	if cfg.Resilience.CBResetTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("resilience.cb_reset_timeout must be positive, got %s", cfg.Resilience.CBResetTimeout))
	}
	if cfg.Resilience.CBHalfOpenMax < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_half_open_max_calls must be at least 1, got %d", cfg.Resilience.CBHalfOpenMax))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
