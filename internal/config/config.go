package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

const (
	BackendMiniaudio = "miniaudio"
	BackendPortAudio = "portaudio"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
}

type AudioConfig struct {
	// Backend selects the hardware backend: "miniaudio" (default) or
	// "portaudio".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DeviceID is the stable ID of the input device; empty selects the
	// default input.
	DeviceID string `mapstructure:"device_id" yaml:"device_id"`
}

type DeliveryConfig struct {
	// Policy bounds the frame queue between the capture thread and the
	// consumer: "unbounded" (default), "drop-oldest" or "drop-newest".
	Policy   string `mapstructure:"policy" yaml:"policy"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
}

var defaultConfig = Config{
	LogLevel: "info",
	Audio: AudioConfig{
		Backend:  BackendMiniaudio,
		DeviceID: "",
	},
	Delivery: DeliveryConfig{
		Policy:   "unbounded",
		Capacity: 64,
	},
}

// Load reads a YAML config from path. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enum fields.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case "", BackendMiniaudio, BackendPortAudio:
	default:
		return fmt.Errorf("unknown audio backend: %q", c.Audio.Backend)
	}

	switch c.Delivery.Policy {
	case "", "unbounded":
	case "drop-oldest", "drop-newest":
		if c.Delivery.Capacity < 1 {
			return fmt.Errorf("delivery policy %q requires a positive capacity", c.Delivery.Policy)
		}
	default:
		return fmt.Errorf("unknown delivery policy: %q", c.Delivery.Policy)
	}
	return nil
}

// DefaultPath returns the platform-specific config file path
func DefaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "micstream", "config.yaml")
}
