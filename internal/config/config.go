package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the relay configuration
type Config struct {
	// Data directory for the database, auth state and files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// UserID owns the connections bootstrapped at start
	UserID string `json:"user_id" mapstructure:"user_id"`

	// ConnectionsFile is an optional YAML seed of connections
	ConnectionsFile string `json:"connections_file" mapstructure:"connections_file"`

	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	Agent         AgentConfig         `json:"agent" mapstructure:"agent"`
	Pipeline      PipelineConfig      `json:"pipeline" mapstructure:"pipeline"`
	Interactive   InteractiveConfig   `json:"interactive" mapstructure:"interactive"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp" mapstructure:"whatsapp"`
	Transcription TranscriptionConfig `json:"transcription" mapstructure:"transcription"`
	Storage       StorageConfig       `json:"storage" mapstructure:"storage"`
	Session       SessionConfig       `json:"session" mapstructure:"session"`
	Admin         AdminConfig         `json:"admin" mapstructure:"admin"`
	Tracing       TracingConfig       `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// AgentConfig points at the agent API
type AgentConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxAttempts    int    `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs      int    `json:"backoff_ms" mapstructure:"backoff_ms"`
}

// Timeout is the per-attempt dispatch timeout.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Backoff is the base delay between dispatch attempts.
func (a AgentConfig) Backoff() time.Duration {
	return time.Duration(a.BackoffMs) * time.Millisecond
}

// PipelineConfig tunes inbound processing
type PipelineConfig struct {
	TypingIntervalMs  int      `json:"typing_interval_ms" mapstructure:"typing_interval_ms"`
	QueueBuffer       int      `json:"queue_buffer" mapstructure:"queue_buffer"`
	DedupTTLSeconds   int      `json:"dedup_ttl_seconds" mapstructure:"dedup_ttl_seconds"`
	SilentNewChannels []string `json:"silent_new_channels" mapstructure:"silent_new_channels"`
	TaskRetention     int      `json:"task_retention" mapstructure:"task_retention"`
}

// TypingInterval is the typing heartbeat period.
func (p PipelineConfig) TypingInterval() time.Duration {
	return time.Duration(p.TypingIntervalMs) * time.Millisecond
}

// InteractiveConfig controls pending question expiry
type InteractiveConfig struct {
	TTLSeconds int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// TTL is how long a question waits for an answer.
func (i InteractiveConfig) TTL() time.Duration {
	return time.Duration(i.TTLSeconds) * time.Second
}

// WhatsAppConfig configures the bridge client
type WhatsAppConfig struct {
	BridgeURL           string `json:"bridge_url" mapstructure:"bridge_url"`
	ReadyTimeoutSeconds int    `json:"ready_timeout_seconds" mapstructure:"ready_timeout_seconds"`
}

// ReadyTimeout bounds how long a send waits for the session.
func (w WhatsAppConfig) ReadyTimeout() time.Duration {
	return time.Duration(w.ReadyTimeoutSeconds) * time.Second
}

// TranscriptionConfig configures voice transcription
type TranscriptionConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Model   string `json:"model" mapstructure:"model"`
}

// StorageConfig holds attachment storage settings
type StorageConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// SessionConfig controls idle session housekeeping
type SessionConfig struct {
	IdleArchiveMinutes int `json:"idle_archive_minutes" mapstructure:"idle_archive_minutes"` // 0 disables
	RetentionDays      int `json:"retention_days" mapstructure:"retention_days"`
}

// AdminConfig holds the admin HTTP server settings
type AdminConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	// Token, when set, is required as a bearer token on every route but /health
	Token              string `json:"token" mapstructure:"token"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// Addr is the listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// TracingConfig toggles OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		UserID: "default",
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Agent: AgentConfig{
			BaseURL:        "http://localhost:3000/api",
			TimeoutSeconds: 300,
			MaxAttempts:    3,
			BackoffMs:      1000,
		},
		Pipeline: PipelineConfig{
			TypingIntervalMs:  4000,
			QueueBuffer:       64,
			DedupTTLSeconds:   600,
			SilentNewChannels: []string{"whatsapp"},
			TaskRetention:     200,
		},
		Interactive: InteractiveConfig{
			TTLSeconds: 300,
		},
		WhatsApp: WhatsAppConfig{
			BridgeURL:           "ws://localhost:3001",
			ReadyTimeoutSeconds: 30,
		},
		Transcription: TranscriptionConfig{
			Model: "whisper-1",
		},
		Session: SessionConfig{
			IdleArchiveMinutes: 0,
			RetentionDays:      30,
		},
		Admin: AdminConfig{
			Enabled:            true,
			Host:               "127.0.0.1",
			Port:               8090,
			RateLimitPerMinute: 120,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "relay",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable. All problems are
// reported in one error.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}
