package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("default port: expected 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.ManagementPort != 9001 {
		t.Errorf("default management port: expected 9001, got %d", cfg.Server.ManagementPort)
	}
	if cfg.Upstream.URL != "https://api.anthropic.com" {
		t.Errorf("default upstream: got %q", cfg.Upstream.URL)
	}
	if cfg.Capture.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("default body limit: got %d", cfg.Capture.MaxBodyBytes)
	}
	if cfg.Capture.TapBufferBytes != 4*1024*1024 {
		t.Errorf("default tap buffer: got %d", cfg.Capture.TapBufferBytes)
	}
	if cfg.Capture.SubscriberBuffer != 1024 {
		t.Errorf("default subscriber buffer: got %d", cfg.Capture.SubscriberBuffer)
	}
	if cfg.Registry.IdleAfterSeconds != 300 {
		t.Errorf("default idle threshold: got %d", cfg.Registry.IdleAfterSeconds)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "127.0.0.1"
  port: 9100
  managementPort: 9101
upstream:
  url: "https://example.test"
capture:
  maxBodyBytes: 1048576
  subscriberBuffer: 16
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port: expected 9100, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.URL != "https://example.test" {
		t.Errorf("upstream: got %q", cfg.Upstream.URL)
	}
	if cfg.Capture.MaxBodyBytes != 1048576 {
		t.Errorf("body limit: got %d", cfg.Capture.MaxBodyBytes)
	}
	if cfg.Capture.SubscriberBuffer != 16 {
		t.Errorf("subscriber buffer: got %d", cfg.Capture.SubscriberBuffer)
	}
	// Unset field retains default.
	if cfg.Capture.TapBufferBytes != 4*1024*1024 {
		t.Errorf("tap buffer should be default, got %d", cfg.Capture.TapBufferBytes)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_UPSTREAM_URL", "https://env.test")
	t.Setenv("SENTINEL_PORT", "9222")
	t.Setenv("SENTINEL_MAX_BODY_BYTES", "2048")
	t.Setenv("SENTINEL_SUBSCRIBER_BUFFER", "32")

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Upstream.URL != "https://env.test" {
		t.Errorf("env upstream: got %q", cfg.Upstream.URL)
	}
	if cfg.Server.Port != 9222 {
		t.Errorf("env port: got %d", cfg.Server.Port)
	}
	if cfg.Capture.MaxBodyBytes != 2048 {
		t.Errorf("env body limit: got %d", cfg.Capture.MaxBodyBytes)
	}
	if cfg.Capture.SubscriberBuffer != 32 {
		t.Errorf("env subscriber buffer: got %d", cfg.Capture.SubscriberBuffer)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("SENTINEL_PORT", "not-a-port")

	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Error("expected error for unparsable SENTINEL_PORT")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return applyDefaults() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty host", func(c *Config) { c.Server.Host = "" }, true},
		{"port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"port 65536", func(c *Config) { c.Server.Port = 65536 }, true},
		{"same ports", func(c *Config) { c.Server.ManagementPort = c.Server.Port }, true},
		{"relative upstream", func(c *Config) { c.Upstream.URL = "/not/absolute" }, true},
		{"zero body limit", func(c *Config) { c.Capture.MaxBodyBytes = 0 }, true},
		{"zero tap buffer", func(c *Config) { c.Capture.TapBufferBytes = 0 }, true},
		{"zero subscriber buffer", func(c *Config) { c.Capture.SubscriberBuffer = 0 }, true},
		{"zero idle threshold", func(c *Config) { c.Registry.IdleAfterSeconds = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("roundtrip port: expected 9000, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.URL != "https://api.anthropic.com" {
		t.Errorf("roundtrip upstream: got %q", cfg.Upstream.URL)
	}
}

func TestDataDir_EnvOverride(t *testing.T) {
	t.Setenv("SENTINEL_DATA_DIR", "/tmp/sentinel-test")
	if dir := DataDir(); dir != "/tmp/sentinel-test" {
		t.Errorf("DataDir: got %q", dir)
	}
}
