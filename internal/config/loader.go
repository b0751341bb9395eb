package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	TLSCert        string
	TLSKey         string
	MaxConnections int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./mailcored.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [core]
// (specific settings), with [core] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Core)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}
	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}
	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}
	if src.Timeouts.Login != "" {
		dst.Timeouts.Login = src.Timeouts.Login
	}
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.MaxLineLength > 0 {
		dst.Limits.MaxLineLength = src.Limits.MaxLineLength
	}
	if src.Limits.MaxLiteralSize > 0 {
		dst.Limits.MaxLiteralSize = src.Limits.MaxLiteralSize
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if len(src.SASL.Mechanisms) > 0 {
		dst.SASL.Mechanisms = src.SASL.Mechanisms
	}
	if src.SASL.AllowPlaintextAuth {
		dst.SASL.AllowPlaintextAuth = src.SASL.AllowPlaintextAuth
	}
	if src.Quota.DefaultStorageBytes > 0 {
		dst.Quota.DefaultStorageBytes = src.Quota.DefaultStorageBytes
	}
	if src.Quota.DefaultMessageLimit > 0 {
		dst.Quota.DefaultMessageLimit = src.Quota.DefaultMessageLimit
	}
	if src.IMAP != (IMAPConfig{}) {
		dst.IMAP = src.IMAP
	}

	if len(src.Accounts) > 0 {
		dst.Accounts = src.Accounts
	}

	return dst
}
