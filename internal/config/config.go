// Package config loads the nexus runtime configuration.
//
// Configuration is resolved in three steps, later steps overriding earlier
// ones:
//
//  1. Built-in defaults (Default)
//  2. A YAML or TOML file (LoadFile)
//  3. NEXUS_* environment variables (ApplyEnv)
//
// Watch reloads the file whenever it changes on disk.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/worker"
)

// EnvPrefix is the prefix of environment variables read by ApplyEnv.
const EnvPrefix = "NEXUS_"

// Config is the runtime configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Worker  WorkerConfig  `yaml:"worker" toml:"worker"`
	Event   EventConfig   `yaml:"event" toml:"event"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level" toml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format" toml:"format"`

	// AddSource includes the source location in log records.
	AddSource bool `yaml:"addSource" toml:"addSource"`
}

// WorkerConfig configures workers.
type WorkerConfig struct {
	// Count is the number of workers started by the demo.
	Count int `yaml:"count" toml:"count"`

	// QueueSize is the capacity of each worker's task queue.
	QueueSize int `yaml:"queueSize" toml:"queueSize"`

	// JoinTimeout bounds how long stopping a worker may take.
	JoinTimeout Duration `yaml:"joinTimeout" toml:"joinTimeout"`
}

// EventConfig configures event participants.
type EventConfig struct {
	// WeakDefault makes connections hold receivers weakly unless the
	// connect call says otherwise.
	WeakDefault bool `yaml:"weakDefault" toml:"weakDefault"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the /metrics endpoint on.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Addr is the listen address of the endpoint.
	Addr string `yaml:"addr" toml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			Count:       2,
			QueueSize:   worker.DefaultQueueSize,
			JoinTimeout: Duration(worker.DefaultJoinTimeout),
		},
		Event: EventConfig{
			WeakDefault: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{Path: "logging.level", Message: "must be debug, info, warn or error", Value: c.Logging.Level})
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, &ValidationError{Path: "logging.format", Message: "must be json or text", Value: c.Logging.Format})
	}
	if c.Worker.Count < 0 {
		errs = append(errs, &ValidationError{Path: "worker.count", Message: "must not be negative", Value: c.Worker.Count})
	}
	if c.Worker.QueueSize <= 0 {
		errs = append(errs, &ValidationError{Path: "worker.queueSize", Message: "must be positive", Value: c.Worker.QueueSize})
	}
	if c.Worker.JoinTimeout <= 0 {
		errs = append(errs, &ValidationError{Path: "worker.joinTimeout", Message: "must be positive", Value: c.Worker.JoinTimeout})
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, &ValidationError{Path: "metrics.addr", Message: "required when metrics are enabled", Value: c.Metrics.Addr})
	}

	return errors.Join(errs...)
}

// LoggingOptions converts the logging section into a logger config.
func (c *Config) LoggingOptions() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLogLevel(c.Logging.Level)
	cfg.Format = c.Logging.Format
	cfg.AddSource = c.Logging.AddSource
	return cfg
}

// WorkerOptions converts the worker and event sections into worker options.
func (c *Config) WorkerOptions() []worker.Option {
	return []worker.Option{
		worker.WithQueueSize(c.Worker.QueueSize),
		worker.WithJoinTimeout(c.Worker.JoinTimeout.Std()),
		worker.WithWeakDefault(c.Event.WeakDefault),
	}
}

// Duration is a time.Duration written as a string such as "2s" in config
// files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
