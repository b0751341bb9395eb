// Package config provides configuration management for the mailcore server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeIMAP is standard IMAP on port 143 with optional STARTTLS.
	ModeIMAP ListenerMode = "imap"
	// ModeIMAPS is implicit TLS on port 993.
	ModeIMAPS ListenerMode = "imaps"
	// ModePOP3 is standard POP3 on port 110 with optional STLS.
	ModePOP3 ListenerMode = "pop3"
	// ModePOP3S is implicit TLS on port 995.
	ModePOP3S ListenerMode = "pop3s"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Core   Config       `toml:"core"`
}

// ServerConfig holds settings shared by all listeners.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the mailcore server configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Limits    LimitsConfig     `toml:"limits"`
	Metrics   MetricsConfig    `toml:"metrics"`
	SASL      SASLConfig       `toml:"sasl"`
	IMAP      IMAPConfig       `toml:"imap"`
	Quota     QuotaConfig      `toml:"quota"`
	Accounts  []AccountConfig  `toml:"accounts"`
}

// AccountConfig seeds one user into the reference in-memory realm at
// startup. A deployment backed by a real identity provider has no use for
// this; it exists so mailcored can run standalone against the reference
// realm/store without an external directory.
type AccountConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
	Login      string `toml:"login"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int   `toml:"max_connections"`
	MaxLineLength  int   `toml:"max_line_length"`
	MaxLiteralSize int64 `toml:"max_literal_size"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// SASLConfig toggles which SASL mechanisms the server advertises.
type SASLConfig struct {
	Mechanisms         []string `toml:"mechanisms"`
	AllowPlaintextAuth bool     `toml:"allow_plaintext_auth"`
}

// IMAPConfig holds IMAP-specific feature toggles (spec.md §6).
type IMAPConfig struct {
	EnableIdle      bool `toml:"enable_idle"`
	EnableNamespace bool `toml:"enable_namespace"`
	EnableQuota     bool `toml:"enable_quota"`
	EnableMove      bool `toml:"enable_move"`
}

// QuotaConfig holds default quota limits applied to new users by the
// reference quota manager.
type QuotaConfig struct {
	DefaultStorageBytes int64 `toml:"default_storage_bytes"`
	DefaultMessageLimit int   `toml:"default_message_limit"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":143", Mode: ModeIMAP},
			{Address: ":110", Mode: ModePOP3},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "30m",
			Login:      "1m",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
			MaxLineLength:  8192,
			MaxLiteralSize: 64 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		SASL: SASLConfig{
			Mechanisms: []string{"PLAIN", "LOGIN", "CRAM-MD5"},
		},
		IMAP: IMAPConfig{
			EnableIdle:      true,
			EnableNamespace: true,
			EnableQuota:     true,
			EnableMove:      true,
		},
		Quota: QuotaConfig{
			DefaultStorageBytes: 1 << 30,
			DefaultMessageLimit: 10000,
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Limits.MaxLineLength <= 0 {
		return errors.New("max_line_length must be positive")
	}

	for name, v := range map[string]string{
		"connection": c.Timeouts.Connection,
		"command":    c.Timeouts.Command,
		"idle":       c.Timeouts.Idle,
		"login":      c.Timeouts.Login,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout, defaulting to 10 minutes.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseOr(c.Connection, 10*time.Minute)
}

// CommandTimeout returns the command timeout, defaulting to 1 minute.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseOr(c.Command, time.Minute)
}

// IdleTimeout returns the idle timeout, defaulting to 30 minutes.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseOr(c.Idle, 30*time.Minute)
}

// LoginTimeout returns the pre-authentication timeout, defaulting to 1 minute.
func (c *TimeoutsConfig) LoginTimeout() time.Duration {
	return parseOr(c.Login, time.Minute)
}

func parseOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeIMAP, ModeIMAPS, ModePOP3, ModePOP3S:
		return true
	default:
		return false
	}
}

// IsIMAP reports whether the listener mode serves the IMAP protocol.
func (m ListenerMode) IsIMAP() bool {
	return m == ModeIMAP || m == ModeIMAPS
}

// IsPOP3 reports whether the listener mode serves the POP3 protocol.
func (m ListenerMode) IsPOP3() bool {
	return m == ModePOP3 || m == ModePOP3S
}

// IsImplicitTLS reports whether the listener mode starts TLS immediately
// on accept, rather than offering an in-band upgrade command.
func (m ListenerMode) IsImplicitTLS() bool {
	return m == ModeIMAPS || m == ModePOP3S
}
