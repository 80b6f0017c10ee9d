package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/relay/pkg/channels"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateURL checks that raw is an absolute URL with one of schemes.
func (v *Validator) ValidateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", name, strings.Join(schemes, " or "), u.Scheme)
}

// ValidateChannelTypes checks a list of channel type names.
func (v *Validator) ValidateChannelTypes(name string, types []string) error {
	for _, t := range types {
		if !channels.ChannelType(t).Valid() {
			return fmt.Errorf("%s: unknown channel type %q", name, t)
		}
	}
	return nil
}

// ValidatePort validates a TCP port.
func (v *Validator) ValidatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if strings.TrimSpace(cfg.UserID) == "" {
		errors = append(errors, fmt.Errorf("user_id is required"))
	}

	if err := v.ValidateURL("agent.base_url", cfg.Agent.BaseURL, "http", "https"); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("agent.timeout_seconds must be > 0"))
	}
	if cfg.Agent.MaxAttempts <= 0 {
		errors = append(errors, fmt.Errorf("agent.max_attempts must be > 0"))
	}
	if cfg.Agent.BackoffMs < 0 {
		errors = append(errors, fmt.Errorf("agent.backoff_ms must be >= 0"))
	}

	if cfg.Pipeline.TypingIntervalMs <= 0 {
		errors = append(errors, fmt.Errorf("pipeline.typing_interval_ms must be > 0"))
	}
	if cfg.Pipeline.QueueBuffer < 0 {
		errors = append(errors, fmt.Errorf("pipeline.queue_buffer must be >= 0"))
	}
	if cfg.Pipeline.DedupTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("pipeline.dedup_ttl_seconds must be >= 0"))
	}
	if err := v.ValidateChannelTypes("pipeline.silent_new_channels", cfg.Pipeline.SilentNewChannels); err != nil {
		errors = append(errors, err)
	}

	if cfg.Interactive.TTLSeconds <= 0 {
		errors = append(errors, fmt.Errorf("interactive.ttl_seconds must be > 0"))
	}

	if cfg.WhatsApp.BridgeURL != "" {
		if err := v.ValidateURL("whatsapp.bridge_url", cfg.WhatsApp.BridgeURL, "ws", "wss"); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.WhatsApp.ReadyTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("whatsapp.ready_timeout_seconds must be > 0"))
	}

	if cfg.Transcription.BaseURL != "" {
		if err := v.ValidateURL("transcription.base_url", cfg.Transcription.BaseURL, "http", "https"); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Session.IdleArchiveMinutes < 0 {
		errors = append(errors, fmt.Errorf("session.idle_archive_minutes must be >= 0"))
	}
	if cfg.Session.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("session.retention_days must be >= 0"))
	}

	if cfg.Admin.Enabled {
		if err := v.ValidatePort("admin.port", cfg.Admin.Port); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
