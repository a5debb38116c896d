// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = "1.1.0"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete sidernav configuration.
type Config struct {
	Version string `toml:"version" yaml:"version" json:"version"`

	Provider ProviderConfig `toml:"provider" yaml:"provider" json:"provider"`
	Stream   StreamConfig   `toml:"stream" yaml:"stream" json:"stream"`
	Session  SessionConfig  `toml:"session" yaml:"session" json:"session"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache" json:"cache"`
	Memory   MemoryConfig   `toml:"memory" yaml:"memory" json:"memory"`
	Storage  StorageConfig  `toml:"storage" yaml:"storage" json:"storage"`
	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	Log      LogConfig      `toml:"log" yaml:"log" json:"log"`
}

// ProviderConfig configures the upstream chat completions endpoint.
type ProviderConfig struct {
	BaseURL           string  `toml:"base_url" yaml:"base_url" json:"base_url"`
	APIKey            string  `toml:"api_key" yaml:"api_key" json:"api_key"`
	Model             string  `toml:"model" yaml:"model" json:"model"`
	Temperature       float64 `toml:"temperature" yaml:"temperature" json:"temperature"`
	TimeoutSecs       int     `toml:"timeout_secs" yaml:"timeout_secs" json:"timeout_secs"`
	RequestsPerMinute int     `toml:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	SystemPrompt      string  `toml:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	HistoryMessages   int     `toml:"history_messages" yaml:"history_messages" json:"history_messages"`
}

// StreamConfig bounds the streaming decoder buffer.
type StreamConfig struct {
	MaxBufferBytes        int `toml:"max_buffer_bytes" yaml:"max_buffer_bytes" json:"max_buffer_bytes"`
	RetainAfterFlushBytes int `toml:"retain_after_flush_bytes" yaml:"retain_after_flush_bytes" json:"retain_after_flush_bytes"`
}

// SessionConfig bounds chat sessions.
type SessionConfig struct {
	MaxSessions           int `toml:"max_sessions" yaml:"max_sessions" json:"max_sessions"`
	MaxMessagesPerSession int `toml:"max_messages_per_session" yaml:"max_messages_per_session" json:"max_messages_per_session"`
	MaxPayloadBytes       int `toml:"max_payload_bytes" yaml:"max_payload_bytes" json:"max_payload_bytes"`
	EmergencyKeepSessions int `toml:"emergency_keep_sessions" yaml:"emergency_keep_sessions" json:"emergency_keep_sessions"`
	EmergencyKeepMessages int `toml:"emergency_keep_messages" yaml:"emergency_keep_messages" json:"emergency_keep_messages"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxEntries        int `toml:"max_entries" yaml:"max_entries" json:"max_entries"`
	MaxSizeMB         int `toml:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	DefaultTTLSecs    int `toml:"default_ttl_secs" yaml:"default_ttl_secs" json:"default_ttl_secs"`
	SweepIntervalSecs int `toml:"sweep_interval_secs" yaml:"sweep_interval_secs" json:"sweep_interval_secs"`
}

// MemoryConfig tunes the heap-pressure monitor.
type MemoryConfig struct {
	IntervalSecs      int     `toml:"interval_secs" yaml:"interval_secs" json:"interval_secs"`
	WarningMB         float64 `toml:"warning_mb" yaml:"warning_mb" json:"warning_mb"`
	CriticalMB        float64 `toml:"critical_mb" yaml:"critical_mb" json:"critical_mb"`
	EmergencyMB       float64 `toml:"emergency_mb" yaml:"emergency_mb" json:"emergency_mb"`
	WarningPercent    float64 `toml:"warning_percent" yaml:"warning_percent" json:"warning_percent"`
	CriticalPercent   float64 `toml:"critical_percent" yaml:"critical_percent" json:"critical_percent"`
	EmergencyPercent  float64 `toml:"emergency_percent" yaml:"emergency_percent" json:"emergency_percent"`
	MaxHistory        int     `toml:"max_history" yaml:"max_history" json:"max_history"`
	HistoryMaxAgeMins int     `toml:"history_max_age_mins" yaml:"history_max_age_mins" json:"history_max_age_mins"`
	EnableGCHint      bool    `toml:"enable_gc_hint" yaml:"enable_gc_hint" json:"enable_gc_hint"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend       string `toml:"backend" yaml:"backend" json:"backend"`
	DataDir       string `toml:"data_dir" yaml:"data_dir" json:"data_dir"`
	QuotaBytes    int64  `toml:"quota_bytes" yaml:"quota_bytes" json:"quota_bytes"`
	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db" json:"redis_db"`
}

// ServerConfig configures the local bridge server.
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" json:"addr"`

	// Token, when set, is required as a bearer token on every request.
	Token string `toml:"token" yaml:"token" json:"token"`

	// AllowedOrigins lists CORS origins; "chrome-extension://*" matches
	// any extension id.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`

	// RequestsPerMinute limits requests per client IP. 0 disables it.
	RequestsPerMinute int `toml:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
	File   string `toml:"file" yaml:"file" json:"file"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Provider: ProviderConfig{
			BaseURL:           "https://api.deepseek.com",
			Model:             "deepseek-chat",
			Temperature:       0.7,
			TimeoutSecs:       60,
			RequestsPerMinute: 20,
			SystemPrompt:      "You are a helpful assistant embedded in the user's browser sidebar. Answer concisely.",
			HistoryMessages:   20,
		},
		Stream: StreamConfig{
			MaxBufferBytes:        1 << 20,
			RetainAfterFlushBytes: 512 << 10,
		},
		Session: SessionConfig{
			MaxSessions:           50,
			MaxMessagesPerSession: 100,
			MaxPayloadBytes:       5 << 20,
			EmergencyKeepSessions: 3,
			EmergencyKeepMessages: 10,
		},
		Cache: CacheConfig{
			MaxEntries:        1000,
			MaxSizeMB:         50,
			DefaultTTLSecs:    300,
			SweepIntervalSecs: 60,
		},
		Memory: MemoryConfig{
			IntervalSecs:      30,
			WarningMB:         100,
			CriticalMB:        200,
			EmergencyMB:       300,
			WarningPercent:    40,
			CriticalPercent:   60,
			EmergencyPercent:  80,
			MaxHistory:        100,
			HistoryMaxAgeMins: 30,
			EnableGCHint:      true,
		},
		Storage: StorageConfig{
			Backend:    "file",
			QuotaBytes: 10 << 20,
			RedisAddr:  "localhost:6379",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8765",
			AllowedOrigins:    []string{"chrome-extension://*", "http://localhost", "http://127.0.0.1"},
			RequestsPerMinute: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// fillDefaults replaces zero values that would disable a component.
func (c *Config) fillDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = d.Provider.BaseURL
	}
	if c.Provider.Model == "" {
		c.Provider.Model = d.Provider.Model
	}
	if c.Provider.TimeoutSecs == 0 {
		c.Provider.TimeoutSecs = d.Provider.TimeoutSecs
	}
	if c.Provider.HistoryMessages == 0 {
		c.Provider.HistoryMessages = d.Provider.HistoryMessages
	}
	if c.Stream.MaxBufferBytes == 0 {
		c.Stream.MaxBufferBytes = d.Stream.MaxBufferBytes
	}
	if c.Stream.RetainAfterFlushBytes == 0 {
		c.Stream.RetainAfterFlushBytes = d.Stream.RetainAfterFlushBytes
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = d.Session.MaxSessions
	}
	if c.Session.MaxMessagesPerSession == 0 {
		c.Session.MaxMessagesPerSession = d.Session.MaxMessagesPerSession
	}
	if c.Session.MaxPayloadBytes == 0 {
		c.Session.MaxPayloadBytes = d.Session.MaxPayloadBytes
	}
	if c.Session.EmergencyKeepSessions == 0 {
		c.Session.EmergencyKeepSessions = d.Session.EmergencyKeepSessions
	}
	if c.Session.EmergencyKeepMessages == 0 {
		c.Session.EmergencyKeepMessages = d.Session.EmergencyKeepMessages
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = d.Cache.MaxEntries
	}
	if c.Cache.MaxSizeMB == 0 {
		c.Cache.MaxSizeMB = d.Cache.MaxSizeMB
	}
	if c.Cache.DefaultTTLSecs == 0 {
		c.Cache.DefaultTTLSecs = d.Cache.DefaultTTLSecs
	}
	if c.Memory.IntervalSecs == 0 {
		c.Memory.IntervalSecs = d.Memory.IntervalSecs
	}
	if c.Memory.MaxHistory == 0 {
		c.Memory.MaxHistory = d.Memory.MaxHistory
	}
	if c.Memory.HistoryMaxAgeMins == 0 {
		c.Memory.HistoryMaxAgeMins = d.Memory.HistoryMaxAgeMins
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.AllowedOrigins == nil {
		c.Server.AllowedOrigins = d.Server.AllowedOrigins
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every validation failure.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and enumerations. It returns ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("provider.base_url", "invalid URL %q", c.Provider.BaseURL)
	} else if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		// SECURITY: The API key is sent as a bearer token.
		add("provider.base_url", "must use https for non-local hosts")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		add("provider.temperature", "must be between 0 and 2, got %v", c.Provider.Temperature)
	}
	if c.Provider.TimeoutSecs < 0 {
		add("provider.timeout_secs", "must not be negative")
	}
	if c.Provider.RequestsPerMinute < 0 {
		add("provider.requests_per_minute", "must not be negative")
	}
	if c.Provider.HistoryMessages < 1 {
		add("provider.history_messages", "must be at least 1")
	}

	if c.Stream.MaxBufferBytes < 1024 {
		add("stream.max_buffer_bytes", "must be at least 1024")
	}
	if c.Stream.RetainAfterFlushBytes > c.Stream.MaxBufferBytes {
		add("stream.retain_after_flush_bytes", "must not exceed stream.max_buffer_bytes")
	}

	if c.Session.MaxSessions < 1 {
		add("session.max_sessions", "must be at least 1")
	}
	if c.Session.MaxMessagesPerSession < 2 {
		add("session.max_messages_per_session", "must be at least 2")
	}
	if c.Session.MaxPayloadBytes < 1024 {
		add("session.max_payload_bytes", "must be at least 1024")
	}
	if c.Session.EmergencyKeepSessions < 1 {
		add("session.emergency_keep_sessions", "must be at least 1")
	}
	if c.Session.EmergencyKeepMessages < 1 {
		add("session.emergency_keep_messages", "must be at least 1")
	}

	if c.Cache.MaxEntries < 1 {
		add("cache.max_entries", "must be at least 1")
	}
	if c.Cache.MaxSizeMB < 1 {
		add("cache.max_size_mb", "must be at least 1")
	}
	if c.Cache.SweepIntervalSecs < 0 {
		add("cache.sweep_interval_secs", "must not be negative")
	}

	m := c.Memory
	if !(m.WarningMB < m.CriticalMB && m.CriticalMB < m.EmergencyMB) {
		add("memory.warning_mb", "thresholds must increase: warning < critical < emergency")
	}
	if !(m.WarningPercent < m.CriticalPercent && m.CriticalPercent < m.EmergencyPercent) {
		add("memory.warning_percent", "percentages must increase: warning < critical < emergency")
	}
	if m.EmergencyPercent > 100 {
		add("memory.emergency_percent", "must not exceed 100")
	}
	if m.IntervalSecs < 1 {
		add("memory.interval_secs", "must be at least 1")
	}

	if c.Server.RequestsPerMinute < 0 {
		add("server.requests_per_minute", "must not be negative")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "memory", "file", "sqlite", "redis":
	default:
		add("storage.backend", "invalid backend %q, must be one of: memory, file, sqlite, redis", c.Storage.Backend)
	}
	if c.Storage.QuotaBytes < 0 {
		add("storage.quota_bytes", "must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "invalid level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format %q, must be text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = slices.Clone(c.Server.AllowedOrigins)
	return &clone
}

// String renders the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	redacted.Provider.APIKey = redact(redacted.Provider.APIKey)
	redacted.Storage.RedisPassword = redact(redacted.Storage.RedisPassword)
	redacted.Server.Token = redact(redacted.Server.Token)

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(redacted); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return sb.String()
}

// SECURITY: Only the last four characters of a secret are ever shown.
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
