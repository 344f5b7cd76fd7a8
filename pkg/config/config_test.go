package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Stream.Port != 8764 {
		t.Errorf("Expected default port 8764, got %d", cfg.Stream.Port)
	}
	if cfg.Camera.Width != 2304 || cfg.Camera.Height != 1296 || cfg.Camera.FPS != 24 {
		t.Errorf("Unexpected default camera mode %dx%d@%d", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	}
	if cfg.Addr() != ":8764" {
		t.Errorf("Unexpected addr %q", cfg.Addr())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.Source != "auto" {
		t.Errorf("Expected default source, got %q", cfg.Camera.Source)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picam.yaml")
	data := `
camera:
  source: testpattern
  width: 640
  height: 480
  hflip: true
stream:
  port: 9000
  start_policy: current
  idle_timeout: 30s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.Source != "testpattern" || cfg.Camera.Width != 640 || !cfg.Camera.HFlip {
		t.Errorf("Camera section not applied: %+v", cfg.Camera)
	}
	// Untouched keys keep their defaults.
	if cfg.Camera.FPS != 24 || !cfg.Camera.HDR {
		t.Errorf("Defaults lost: %+v", cfg.Camera)
	}
	if cfg.Stream.Port != 9000 || cfg.Stream.StartPolicy != "current" || cfg.Stream.IdleTimeout != 30*time.Second {
		t.Errorf("Stream section not applied: %+v", cfg.Stream)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %q", cfg.Logging.Level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PICAM_PORT", "8123")
	t.Setenv("PICAM_SOURCE", "testpattern")
	t.Setenv("PICAM_OTEL_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stream.Port != 8123 {
		t.Errorf("Expected port 8123, got %d", cfg.Stream.Port)
	}
	if cfg.Camera.Source != "testpattern" {
		t.Errorf("Expected testpattern source, got %q", cfg.Camera.Source)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("Expected endpoint override, got %q", cfg.Telemetry.Endpoint)
	}
}

func TestLoadRejectsBadEnvPort(t *testing.T) {
	t.Setenv("PICAM_PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad source", func(c *Config) { c.Camera.Source = "webcam" }, "camera source"},
		{"odd width", func(c *Config) { c.Camera.Width = 641 }, "even"},
		{"zero fps", func(c *Config) { c.Camera.FPS = 0 }, "fps"},
		{"quality", func(c *Config) { c.Camera.Quality = 101 }, "jpeg quality"},
		{"port", func(c *Config) { c.Stream.Port = 70000 }, "port"},
		{"path", func(c *Config) { c.Stream.Path = "stream" }, "stream path"},
		{"policy", func(c *Config) { c.Stream.StartPolicy = "oldest" }, "start policy"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
