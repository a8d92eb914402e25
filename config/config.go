// Package config loads and validates the virtual-gpu-lut-box service
// configuration: defaults first, then a JSON file overriding only the fields
// it names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/server"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/sink"
)

// Sink backend names selectable in configuration
const (
	BackendNATS = "nats"
	BackendFile = "file"
	BackendNull = "null"
)

// Duration wraps time.Duration so JSON configs can use "30s" style strings
type Duration time.Duration

// UnmarshalJSON accepts both duration strings and raw nanosecond numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LUTConfig bounds accepted cube payloads
type LUTConfig struct {
	MaxCubeSize int `json:"max_cube_size"`
	// BootstrapSize, when > 0, publishes an identity LUT of that size on the
	// default channel at startup so consumers render passthrough color
	// before the first controller message arrives
	BootstrapSize int `json:"bootstrap_size"`
}

// SinkConfig selects and configures the output backend
type SinkConfig struct {
	Backend string `json:"backend"`

	// NATS backend
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`

	// File backend
	Directory string `json:"directory"`
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WebSocketConfig wraps the WebSocket server settings with an enable switch;
// the TCP listener is always on, the WebSocket transport is opt-in
type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
	server.WSConfig
}

// Config is the complete service configuration
type Config struct {
	StreamName      string          `json:"stream_name"`
	Server          server.Config   `json:"server"`
	WebSocket       WebSocketConfig `json:"websocket"`
	LUT             LUTConfig       `json:"lut"`
	Sink            SinkConfig      `json:"sink"`
	Metrics         MetricsConfig   `json:"metrics"`
	ShutdownTimeout Duration        `json:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when no file is provided
func DefaultConfig() *Config {
	return &Config{
		StreamName: "OpenGradeIO-LUT",
		Server:     server.DefaultTCPConfig(),
		WebSocket: WebSocketConfig{
			Enabled:  false,
			WSConfig: server.DefaultWSConfig(),
		},
		LUT: LUTConfig{
			MaxCubeSize: lut.DefaultMaxCubeSize,
		},
		Sink: SinkConfig{
			Backend:       BackendNATS,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: sink.DefaultSubjectPrefix,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// Load reads a JSON config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "config file read")
	}

	// Unmarshal over the defaults so absent fields keep their default values
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "config file parse")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty stream name: %w", errors.ErrInvalidConfig),
			"config", "Validate", "stream name validation")
	}

	if err := c.Server.Validate(); err != nil {
		return err
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
			return errors.WrapInvalid(
				fmt.Errorf("invalid websocket port %d: %w", c.WebSocket.Port, errors.ErrInvalidConfig),
				"config", "Validate", "websocket port validation")
		}
	}

	if c.LUT.MaxCubeSize < lut.MinCubeSize {
		return errors.WrapInvalid(
			fmt.Errorf("max cube size %d below minimum %d: %w",
				c.LUT.MaxCubeSize, lut.MinCubeSize, errors.ErrInvalidConfig),
			"config", "Validate", "cube size validation")
	}
	if c.LUT.BootstrapSize != 0 &&
		(c.LUT.BootstrapSize < lut.MinCubeSize || c.LUT.BootstrapSize > c.LUT.MaxCubeSize) {
		return errors.WrapInvalid(
			fmt.Errorf("bootstrap size %d outside [%d, %d]: %w",
				c.LUT.BootstrapSize, lut.MinCubeSize, c.LUT.MaxCubeSize, errors.ErrInvalidConfig),
			"config", "Validate", "bootstrap size validation")
	}

	switch c.Sink.Backend {
	case BackendNATS:
		if c.Sink.NATSURL == "" {
			return errors.WrapInvalid(
				fmt.Errorf("nats backend requires nats_url: %w", errors.ErrMissingConfig),
				"config", "Validate", "sink validation")
		}
	case BackendFile:
		if c.Sink.Directory == "" {
			return errors.WrapInvalid(
				fmt.Errorf("file backend requires directory: %w", errors.ErrMissingConfig),
				"config", "Validate", "sink validation")
		}
	case BackendNull:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown sink backend %q: %w", c.Sink.Backend, errors.ErrInvalidConfig),
			"config", "Validate", "sink validation")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(
				fmt.Errorf("invalid metrics port %d: %w", c.Metrics.Port, errors.ErrInvalidConfig),
				"config", "Validate", "metrics validation")
		}
	}

	if c.ShutdownTimeout.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("non-positive shutdown timeout: %w", errors.ErrInvalidConfig),
			"config", "Validate", "shutdown timeout validation")
	}

	return nil
}
