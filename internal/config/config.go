// Package config handles loading, validating, and writing the Sentinel
// configuration from ${SENTINEL_DATA_DIR:-~/.sentinel}/config.yaml.
//
// The config defines:
//   - Proxy bind port and the upstream API base URL
//   - Management port (push channel, backfill API, label ingress, dashboard feed)
//   - Capture limits (request body cap, tap backlog cap, subscriber buffers)
//   - Agent registry idle threshold
//
// Environment variables override the file for deployment-style tuning:
// SENTINEL_DATA_DIR, SENTINEL_UPSTREAM_URL, SENTINEL_PORT,
// SENTINEL_MAX_BODY_BYTES, SENTINEL_SUBSCRIBER_BUFFER.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Sentinel configuration. Loaded from config.yaml
// with defaults for unset fields, then overridden by SENTINEL_* env vars.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Capture  CaptureConfig  `yaml:"capture"`
	Registry RegistryConfig `yaml:"registry"`
}

// ServerConfig defines where the proxy and the management surface listen.
// Default: loopback only — never bind to 0.0.0.0.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ManagementPort int    `yaml:"managementPort"`
}

// UpstreamConfig is the API provider the proxy forwards to.
type UpstreamConfig struct {
	URL string `yaml:"url"`
}

// CaptureConfig bounds the capture pipeline.
//
// MaxBodyBytes: request bodies above this are rejected with 413.
// TapBufferBytes: per-response backlog the parser side may accumulate
// before the tap is abandoned (the client copy is never affected).
// SubscriberBuffer: per-subscriber bus queue length before drops begin.
type CaptureConfig struct {
	MaxBodyBytes     int64 `yaml:"maxBodyBytes"`
	TapBufferBytes   int64 `yaml:"tapBufferBytes"`
	SubscriberBuffer int   `yaml:"subscriberBuffer"`
}

// RegistryConfig controls agent liveness tracking.
type RegistryConfig struct {
	IdleAfterSeconds int `yaml:"idleAfterSeconds"`
}

// DataDir returns the Sentinel state directory: $SENTINEL_DATA_DIR if set,
// otherwise ~/.sentinel.
func DataDir() string {
	if dir := os.Getenv("SENTINEL_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}

// Load reads and parses config.yaml from the given path, then applies
// environment overrides. A missing file is not an error — defaults are
// returned. Invalid YAML or validation failures are errors.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		// No config file — defaults plus env. Normal on first run.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header. Used by
// `sentinel start` on first run so the file exists to edit.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Sentinel configuration.
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Proxy listen port
#   managementPort: Push channel + backfill API port
#
# upstream:
#   url: Base URL of the real API provider
#
# capture:
#   maxBodyBytes: Request bodies above this are rejected with 413
#   tapBufferBytes: Per-response parser backlog before the tap is abandoned
#   subscriberBuffer: Per-subscriber bus queue length
#
# Environment overrides: SENTINEL_UPSTREAM_URL, SENTINEL_PORT,
# SENTINEL_MAX_BODY_BYTES, SENTINEL_SUBSCRIBER_BUFFER.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           9000,
			ManagementPort: 9001,
		},
		Upstream: UpstreamConfig{
			URL: "https://api.anthropic.com",
		},
		Capture: CaptureConfig{
			MaxBodyBytes:     10 * 1024 * 1024,
			TapBufferBytes:   4 * 1024 * 1024,
			SubscriberBuffer: 1024,
		},
		Registry: RegistryConfig{
			IdleAfterSeconds: 300,
		},
	}
}

// applyEnv layers SENTINEL_* environment variables over the file config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("SENTINEL_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SENTINEL_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("SENTINEL_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SENTINEL_MAX_BODY_BYTES %q: %w", v, err)
		}
		cfg.Capture.MaxBodyBytes = n
	}
	if v := os.Getenv("SENTINEL_SUBSCRIBER_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SENTINEL_SUBSCRIBER_BUFFER %q: %w", v, err)
		}
		cfg.Capture.SubscriberBuffer = n
	}
	return nil
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Server.ManagementPort < 1 || cfg.Server.ManagementPort > 65535 {
		return fmt.Errorf("server.managementPort %d out of range (1-65535)", cfg.Server.ManagementPort)
	}
	if cfg.Server.ManagementPort == cfg.Server.Port {
		return fmt.Errorf("server.managementPort must differ from server.port")
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.url %q is not an absolute URL", cfg.Upstream.URL)
	}

	if cfg.Capture.MaxBodyBytes <= 0 {
		return fmt.Errorf("capture.maxBodyBytes must be positive")
	}
	if cfg.Capture.TapBufferBytes <= 0 {
		return fmt.Errorf("capture.tapBufferBytes must be positive")
	}
	if cfg.Capture.SubscriberBuffer <= 0 {
		return fmt.Errorf("capture.subscriberBuffer must be positive")
	}
	if cfg.Registry.IdleAfterSeconds <= 0 {
		return fmt.Errorf("registry.idleAfterSeconds must be positive")
	}

	return nil
}
