package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the stream server needs at startup.
type Config struct {
	Camera    Camera    `yaml:"camera"`
	Stream    Stream    `yaml:"stream"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
	Stats     Stats     `yaml:"stats"`
	Indicator Indicator `yaml:"indicator"`
}

// Camera holds the device and encoder settings.
type Camera struct {
	Source        string  `yaml:"source"` // "auto", "rpicam", "ffmpeg", "v4l2" or "testpattern"
	Device        string  `yaml:"device"` // V4L2 device for the "v4l2" source
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	FPS           int     `yaml:"fps"`
	QualityFactor float64 `yaml:"quality_factor"`
	Quality       int     `yaml:"quality"` // JPEG quality, 1-100
	AutoFocus     bool    `yaml:"autofocus"`
	HDR           bool    `yaml:"hdr"`
	HFlip         bool    `yaml:"hflip"`
	VFlip         bool    `yaml:"vflip"`
	HWEncode      bool    `yaml:"hw_encode"`
	// StartAttempts is how many times the encoder is started before giving up.
	StartAttempts int `yaml:"start_attempts"`
}

// Stream holds the HTTP side.
type Stream struct {
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	StartPolicy     string        `yaml:"start_policy"` // "next" or "current"
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxClients      int           `yaml:"max_clients"` // 0 = unlimited
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type Telemetry struct {
	Endpoint    string `yaml:"endpoint"` // empty disables export
	ServiceName string `yaml:"service_name"`
}

type Stats struct {
	Schedule string `yaml:"schedule"` // cron schedule, empty disables
}

// Indicator is an optional LED lit while at least one client is watching.
type Indicator struct {
	Chip string `yaml:"chip"`
	Line int    `yaml:"line"` // -1 disables
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Camera: Camera{
			Source:        "auto",
			Device:        "/dev/video0",
			Width:         2304,
			Height:        1296,
			FPS:           24,
			QualityFactor: 1,
			Quality:       80,
			AutoFocus:     true,
			HDR:           true,
			HWEncode:      true,
			StartAttempts: 5,
		},
		Stream: Stream{
			Port:            8764,
			Path:            "/",
			StartPolicy:     "next",
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Telemetry: Telemetry{
			ServiceName: "picam-stream",
		},
		Stats: Stats{
			Schedule: "@every 1m",
		},
		Indicator: Indicator{
			Chip: "gpiochip0",
			Line: -1,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists) and PICAM_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PICAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PICAM_PORT %q: %w", v, err)
		}
		c.Stream.Port = port
	}
	if v := os.Getenv("PICAM_SOURCE"); v != "" {
		c.Camera.Source = v
	}
	if v := os.Getenv("PICAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PICAM_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.Camera.Source {
	case "auto", "rpicam", "ffmpeg", "v4l2", "testpattern":
	default:
		return fmt.Errorf("invalid camera source: %q", c.Camera.Source)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Width%2 != 0 || c.Camera.Height%2 != 0 {
		return fmt.Errorf("resolution must be even: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 120 {
		return fmt.Errorf("invalid fps: %d (must be between 1-120)", c.Camera.FPS)
	}
	if c.Camera.QualityFactor <= 0 {
		return fmt.Errorf("invalid quality factor: %v (must be positive)", c.Camera.QualityFactor)
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("invalid jpeg quality: %d (must be between 1-100)", c.Camera.Quality)
	}
	if c.Camera.StartAttempts < 1 {
		return fmt.Errorf("invalid start attempts: %d (must be at least 1)", c.Camera.StartAttempts)
	}
	if c.Stream.Port <= 0 || c.Stream.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1-65535)", c.Stream.Port)
	}
	if c.Stream.Path == "" || c.Stream.Path[0] != '/' {
		return fmt.Errorf("invalid stream path: %q", c.Stream.Path)
	}
	if c.Stream.StartPolicy != "next" && c.Stream.StartPolicy != "current" {
		return fmt.Errorf("invalid start policy: %q", c.Stream.StartPolicy)
	}
	if c.Stream.IdleTimeout < 0 || c.Stream.MaxClients < 0 {
		return errors.New("idle timeout and max clients must not be negative")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Stream.Port)
}
