// Package config loads and validates the summaryq configuration.
//
// A YAML file is decoded over Default(), so a file only needs the keys it
// changes. Durations use Go syntax ("250ms", "30s", "1h"). The result is
// checked with validator struct tags before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Workers WorkersConfig `yaml:"workers" validate:"required"`
	Queue   QueueConfig   `yaml:"queue" validate:"required"`
	Events  EventsConfig  `yaml:"events" validate:"required"`
	Server  ServerConfig  `yaml:"server" validate:"required"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Log     LogConfig     `yaml:"log" validate:"required"`
}

// WorkersConfig sizes the worker pool and its retry policy.
type WorkersConfig struct {
	PoolSize      int           `yaml:"pool_size" validate:"gt=0,lte=1024"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gt=0,lte=100"`
	BackoffBase   time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	Jitter        float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
	PollTimeout   time.Duration `yaml:"poll_timeout" validate:"gt=0"`
	// CancelInterruptAfter cancels the context of a running job that has not
	// reached a progress checkpoint this long after a cancel request. 0 keeps
	// cancellation purely cooperative.
	CancelInterruptAfter time.Duration `yaml:"cancel_interrupt_after" validate:"gte=0"`
	// Simulated task bodies (used when no real runner is wired).
	SimulatedLatency     time.Duration `yaml:"simulated_latency" validate:"gte=0"`
	SimulatedFailureRate float64       `yaml:"simulated_failure_rate" validate:"gte=0,lte=1"`
}

// QueueConfig bounds the pending queue and admission.
type QueueConfig struct {
	Capacity        int             `yaml:"capacity" validate:"gt=0"`
	Retention       time.Duration   `yaml:"retention" validate:"gte=0"`
	MaintenanceTick time.Duration   `yaml:"maintenance_interval" validate:"gt=0"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the per-client sliding window. MaxSubmissions 0
// disables limiting.
type RateLimitConfig struct {
	MaxSubmissions int           `yaml:"max_submissions" validate:"gte=0"`
	Window         time.Duration `yaml:"window" validate:"required_with=MaxSubmissions,gte=0"`
}

// EventsConfig tunes push delivery.
type EventsConfig struct {
	BufferSize        int           `yaml:"buffer_size" validate:"gt=0"`
	MaxBatch          int           `yaml:"max_batch" validate:"gte=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats" validate:"gt=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

// ServerConfig is the HTTP API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint. When Addr is empty the
// metrics are served by the API listener only.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// HealthConfig controls the gRPC health service.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" validate:"required,oneof=json text"`
}

// Default returns a configuration that runs out of the box.
func Default() Config {
	return Config{
		Workers: WorkersConfig{
			PoolSize:             4,
			MaxAttempts:          3,
			BackoffBase:          time.Second,
			BackoffMax:           time.Minute,
			Jitter:               0.1,
			ShutdownGrace:        30 * time.Second,
			PollTimeout:          time.Second,
			SimulatedLatency:     2 * time.Second,
			SimulatedFailureRate: 0.1,
		},
		Queue: QueueConfig{
			Capacity:        1000,
			Retention:       time.Hour,
			MaintenanceTick: 30 * time.Second,
			RateLimit: RateLimitConfig{
				MaxSubmissions: 10,
				Window:         time.Minute,
			},
		},
		Events: EventsConfig{
			BufferSize:        100,
			MaxBatch:          50,
			HeartbeatInterval: 15 * time.Second,
			MissedHeartbeats:  3,
			IdleTimeout:       5 * time.Minute,
			CleanupInterval:   time.Minute,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Health:  HealthConfig{Enabled: false, Addr: ":9091"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Health.Enabled && c.Health.Addr == "" {
			return errors.New("invalid config: health.addr is required when health is enabled")
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
