// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/absmach/fluxxmpp/pkg/tls"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the XMPP server.
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	XMPP             XMPPConfig             `yaml:"xmpp"`
	StreamManagement StreamManagementConfig `yaml:"stream_management"`
	RateLimit        RateLimitConfig        `yaml:"ratelimit"`
	Log              LogConfig              `yaml:"log"`
	Storage          StorageConfig          `yaml:"storage"`
	Webhook          WebhookConfig          `yaml:"webhook"`
}

// TCPListenerConfig holds a c2s TCP listener slot.
type TCPListenerConfig struct {
	Addr           string        `yaml:"addr"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            tls.Config    `yaml:"tls"`
}

// TCPConfig groups the plain and direct TLS c2s listeners.
type TCPConfig struct {
	Plain TCPListenerConfig `yaml:"plain"`
	TLS   TCPListenerConfig `yaml:"tls"`
}

// WSListenerConfig holds an XMPP over WebSocket listener slot.
type WSListenerConfig struct {
	Addr           string     `yaml:"addr"`
	Path           string     `yaml:"path"`
	AllowedOrigins []string   `yaml:"allowed_origins"`
	TLS            tls.Config `yaml:"tls"`
}

// WebSocketConfig groups the plain and TLS WebSocket listeners.
type WebSocketConfig struct {
	Plain WSListenerConfig `yaml:"plain"`
	TLS   WSListenerConfig `yaml:"tls"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	TCP             TCPConfig       `yaml:"tcp"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	HealthAddr      string          `yaml:"health_addr"`
	MetricsAddr     string          `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	HealthEnabled   bool            `yaml:"health_enabled"`
	MetricsEnabled  bool            `yaml:"metrics_enabled"` // Enables OTel

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// XMPPConfig holds c2s protocol settings.
type XMPPConfig struct {
	// Domain served by this process.
	Domain string `yaml:"domain"`

	// Maximum size of a single stanza in bytes.
	MaxStanzaSize int `yaml:"max_stanza_size"`

	// Users maps usernames to passwords for SASL PLAIN.
	Users map[string]string `yaml:"users"`

	AllowAnonymous bool `yaml:"allow_anonymous"`

	// How often detached sessions are checked for termination.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// Maximum offline messages flushed to a session right after binding.
	OfflineFlushLimit int `yaml:"offline_flush_limit"`
}

// StreamManagementConfig holds stream management settings.
type StreamManagementConfig struct {
	// Enabled is the global kill switch.
	Enabled bool `yaml:"enabled"`

	MaxUnacked       int `yaml:"max_unacked"`
	RequestFrequency int `yaml:"request_frequency"`

	LocationEnabled bool   `yaml:"location_enabled"`
	Location        string `yaml:"location"`

	MaxInactivityEnabled bool          `yaml:"max_inactivity_enabled"`
	DetachTimeout        time.Duration `yaml:"detach_timeout"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	Connection ConnectionRateLimitConfig `yaml:"connection"`
	Stanza     StanzaRateLimitConfig     `yaml:"stanza"`
	Resume     ResumeRateLimitConfig     `yaml:"resume"`
}

// ConnectionRateLimitConfig holds per-IP connection limits.
type ConnectionRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StanzaRateLimitConfig holds per-session inbound stanza limits.
type StanzaRateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// ResumeRateLimitConfig holds per-account resumption attempt limits.
type ResumeRateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds offline storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// Maximum queued offline messages per user.
	MaxOfflinePerUser int `yaml:"max_offline_per_user"`
}

// WebhookConfig holds session lifecycle webhook configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Events    []string          `yaml:"events"`    // Event type filter (empty = all)
	Addresses []string          `yaml:"addresses"` // Bare JID or domain filter (empty = all)
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry     *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCP: TCPConfig{
				Plain: TCPListenerConfig{
					Addr:           ":5222",
					MaxConnections: 10000,
					ReadTimeout:    5 * time.Minute,
					WriteTimeout:   30 * time.Second,
				},
			},
			WebSocket: WebSocketConfig{
				Plain: WSListenerConfig{
					Addr: ":5280",
					Path: "/xmpp-websocket",
				},
			},
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			// OpenTelemetry defaults
			OtelServiceName:     "fluxxmpp",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false, // Disabled by default for performance
			OtelTraceSampleRate: 0.1,   // 10% sampling when enabled
		},
		XMPP: XMPPConfig{
			Domain:            "localhost",
			MaxStanzaSize:     256 * 1024,
			Users:             map[string]string{},
			AllowAnonymous:    true,
			ReapInterval:      10 * time.Second,
			OfflineFlushLimit: 1000,
		},
		StreamManagement: StreamManagementConfig{
			Enabled:              true,
			MaxUnacked:           10000,
			RequestFrequency:     5,
			LocationEnabled:      true,
			MaxInactivityEnabled: true,
			DetachTimeout:        10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateLimitConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Stanza: StanzaRateLimitConfig{
				Enabled: true,
				Rate:    100,
				Burst:   50,
			},
			Resume: ResumeRateLimitConfig{
				Enabled: true,
				Rate:    1,
				Burst:   5,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:              "badger",
			BadgerDir:         "/tmp/fluxxmpp/data",
			MaxOfflinePerUser: 1000,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	tcpAddrs := strings.TrimSpace(c.Server.TCP.Plain.Addr) + strings.TrimSpace(c.Server.TCP.TLS.Addr)
	wsAddrs := strings.TrimSpace(c.Server.WebSocket.Plain.Addr) + strings.TrimSpace(c.Server.WebSocket.TLS.Addr)
	if tcpAddrs == "" && wsAddrs == "" {
		return fmt.Errorf("at least one c2s listener must be configured")
	}

	for name, l := range map[string]TCPListenerConfig{"plain": c.Server.TCP.Plain, "tls": c.Server.TCP.TLS} {
		if l.Addr == "" {
			continue
		}
		if l.MaxConnections < 0 {
			return fmt.Errorf("server.tcp.%s.max_connections cannot be negative", name)
		}
	}
	if c.Server.TCP.TLS.Addr != "" && (c.Server.TCP.TLS.TLS.CertFile == "" || c.Server.TCP.TLS.TLS.KeyFile == "") {
		return fmt.Errorf("server.tcp.tls.tls cert_file and key_file required for the TLS listener")
	}
	if c.Server.WebSocket.TLS.Addr != "" && (c.Server.WebSocket.TLS.TLS.CertFile == "" || c.Server.WebSocket.TLS.TLS.KeyFile == "") {
		return fmt.Errorf("server.websocket.tls.tls cert_file and key_file required for the TLS listener")
	}

	if c.XMPP.Domain == "" {
		return fmt.Errorf("xmpp.domain cannot be empty")
	}
	if c.XMPP.MaxStanzaSize < 1024 {
		return fmt.Errorf("xmpp.max_stanza_size must be at least 1KB")
	}
	if c.XMPP.ReapInterval < 100*time.Millisecond {
		return fmt.Errorf("xmpp.reap_interval must be at least 100ms")
	}
	if len(c.XMPP.Users) == 0 && !c.XMPP.AllowAnonymous {
		return fmt.Errorf("xmpp.users cannot be empty unless allow_anonymous is set")
	}

	if c.StreamManagement.Enabled {
		if c.StreamManagement.MaxUnacked < 1 {
			return fmt.Errorf("stream_management.max_unacked must be at least 1")
		}
		if c.StreamManagement.RequestFrequency < 1 {
			return fmt.Errorf("stream_management.request_frequency must be at least 1")
		}
		if c.StreamManagement.DetachTimeout < 0 {
			return fmt.Errorf("stream_management.detach_timeout cannot be negative")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.MaxOfflinePerUser < 0 {
		return fmt.Errorf("storage.max_offline_per_user cannot be negative")
	}

	if c.Webhook.Enabled {
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook.queue_size must be at least 1")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be one of: oldest, newest")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
