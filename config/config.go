// Package config loads and validates the concentrator's YAML
// configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// Config is the complete smartpdc configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	NATS    NATSConfig    `yaml:"nats"`
	Stream  StreamConfig  `yaml:"stream"`
	Status  StatusConfig  `yaml:"status"`
	Metrics MetricsConfig `yaml:"metrics"`
	Sources []SourceConfig `yaml:"sources"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// NATSConfig describes the NATS connection.
type NATSConfig struct {
	URL      string        `yaml:"url"`
	Name     string        `yaml:"name"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Token    string        `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
}

// StreamConfig shapes the measurement stream.
type StreamConfig struct {
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxMsgs       int64  `yaml:"max_msgs"`

	// File, when set, writes measurements to an NDJSON file instead of
	// JetStream. Useful for capture sessions without infrastructure.
	File string `yaml:"file"`
}

// StatusConfig shapes the claim/heartbeat store.
type StatusConfig struct {
	Bucket            string        `yaml:"bucket"`
	LivenessWindow    Duration `yaml:"liveness_window"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// SourceConfig describes one PMU source.
type SourceConfig struct {
	ID        string        `yaml:"id"`
	IDCode    uint16        `yaml:"id_code"`
	Address   string        `yaml:"address"`
	Transport string        `yaml:"transport"` // tcp or udp
	Silence   Duration `yaml:"silence_timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Name:    "smartpdc",
			Timeout: Duration(5 * time.Second),
		},
		Stream: StreamConfig{
			Name:          "PDC_MEASUREMENTS",
			SubjectPrefix: "pdc.measurements",
			MaxMsgs:       100_000,
		},
		Status: StatusConfig{
			Bucket:            "pdc_receivers",
			LivenessWindow:    Duration(60 * time.Second),
			ReconcileInterval: Duration(15 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load",
			fmt.Sprintf("read %s", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load",
			fmt.Sprintf("parse %s", path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.NATS.URL == "" && c.Stream.File == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "either nats.url or stream.file required")
	}

	seen := map[string]bool{}
	for i, src := range c.Sources {
		if src.ID == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Config", "Validate", fmt.Sprintf("sources[%d]: id required", i))
		}
		if seen[src.ID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Config", "Validate", fmt.Sprintf("duplicate source id %q", src.ID))
		}
		seen[src.ID] = true

		if src.Address == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Config", "Validate", fmt.Sprintf("source %q: address required", src.ID))
		}
		switch src.Transport {
		case "", "tcp", "udp":
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Config", "Validate",
				fmt.Sprintf("source %q: unknown transport %q", src.ID, src.Transport))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}

	return nil
}
